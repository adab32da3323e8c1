package manager

import (
	"sort"
	"sync"
	"time"
)

// BlockInfo 服务的失败冷却记录
type BlockInfo struct {
	ServiceName  string    `json:"service_name"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// BlockList 记录本进程暂不尝试获取的服务，过期条目在查询时清理
type BlockList struct {
	mutex   sync.Mutex
	entries map[string]time.Time
}

// NewBlockList 创建空的冷却列表
func NewBlockList() *BlockList {
	return &BlockList{entries: make(map[string]time.Time)}
}

// Block 冷却服务到until为止。重复调用取较晚的时间。
func (b *BlockList) Block(name string, until time.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if current, ok := b.entries[name]; ok && current.After(until) {
		return
	}
	b.entries[name] = until
}

// IsBlocked 判断服务在now时刻是否仍在冷却期
func (b *BlockList) IsBlocked(name string, now time.Time) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	until, ok := b.entries[name]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(b.entries, name)
		return false
	}
	return true
}

// Purge 清理已过期的条目并返回剩余条目，按服务名排序
func (b *BlockList) Purge(now time.Time) []BlockInfo {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	out := make([]BlockInfo, 0, len(b.entries))
	for name, until := range b.entries {
		if !now.Before(until) {
			delete(b.entries, name)
			continue
		}
		out = append(out, BlockInfo{ServiceName: name, BlockedUntil: until})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}
