package dns

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/miekg/dns"
)

// DNSCache 缓存本地域的完整响应，记录刷新后整体清空
type DNSCache struct {
	mu         sync.RWMutex
	cache      map[string]*cacheEntry
	defaultTTL time.Duration
	clock      clock.Clock
}

// cacheEntry 表示缓存中的一条记录
type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

// NewDNSCache 创建新的DNS缓存
func NewDNSCache(defaultTTL time.Duration, clk clock.Clock) *DNSCache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DNSCache{
		cache:      make(map[string]*cacheEntry),
		defaultTTL: defaultTTL,
		clock:      clk,
	}
}

// Get 从缓存获取DNS响应副本，过期时返回nil
func (c *DNSCache) Get(key string) *dns.Msg {
	c.mu.RLock()
	entry, found := c.cache[key]
	c.mu.RUnlock()
	if !found {
		return nil
	}

	if !c.clock.Now().Before(entry.expireAt) {
		c.deleteExpired(key)
		return nil
	}
	return entry.msg.Copy()
}

// Set 设置缓存记录
func (c *DNSCache) Set(key string, msg *dns.Msg) {
	if msg == nil || c.defaultTTL <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &cacheEntry{
		msg:      msg.Copy(),
		expireAt: c.clock.Now().Add(c.defaultTTL),
	}
}

// Clear 清空全部缓存
func (c *DNSCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
}

// Len 返回缓存条目数
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// deleteExpired 删除过期记录
func (c *DNSCache) deleteExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 再次检查是否过期（可能在获取锁的过程中已被更新）
	entry, found := c.cache[key]
	if found && !c.clock.Now().Before(entry.expireAt) {
		delete(c.cache, key)
	}
}

// GetCacheKey 生成缓存键
func GetCacheKey(q dns.Question) string {
	return strings.ToLower(q.Name) + "-" + dns.TypeToString[q.Qtype]
}
