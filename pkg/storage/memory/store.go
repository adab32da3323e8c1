package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/hewenyu/svcfleet/pkg/storage"
)

type ttlRule struct {
	field string
	ttl   time.Duration
}

// MemoryStore 是基于内存的文档存储实现，用于单机运行和测试。
// 过期文档在每次访问时按时钟惰性清理。
type MemoryStore struct {
	mutex       sync.Mutex
	clock       clock.Clock
	collections map[string]map[string]storage.Document
	ttl         map[string]ttlRule
}

// NewMemoryStore 创建新的内存存储，clk为nil时使用系统时钟
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		clock:       clk,
		collections: make(map[string]map[string]storage.Document),
		ttl:         make(map[string]ttlRule),
	}
}

// collection 返回集合并清理其中已过期的文档，调用方需持有锁
func (m *MemoryStore) collection(name string) map[string]storage.Document {
	docs, ok := m.collections[name]
	if !ok {
		docs = make(map[string]storage.Document)
		m.collections[name] = docs
	}
	if rule, ok := m.ttl[name]; ok {
		now := m.clock.Now()
		for id, doc := range docs {
			if ts, ok := doc[rule.field].(time.Time); ok && now.Sub(ts) >= rule.ttl {
				delete(docs, id)
			}
		}
	}
	return docs
}

// InsertIfAbsent 仅当主键不存在时插入
func (m *MemoryStore) InsertIfAbsent(ctx context.Context, collection, id string, doc storage.Document) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	docs := m.collection(collection)
	if _, exists := docs[id]; exists {
		return storage.NewAlreadyExistsError(fmt.Sprintf("文档已存在: %s/%s", collection, id))
	}
	docs[id] = storage.CopyDocument(doc)
	return nil
}

// UpsertFields 合并写入字段，文档不存在时创建
func (m *MemoryStore) UpsertFields(ctx context.Context, collection, id string, fields storage.Document) error {
	return m.merge(collection, id, fields, true)
}

// UpdateFields 合并写入字段，文档不存在时返回ErrNotFound
func (m *MemoryStore) UpdateFields(ctx context.Context, collection, id string, fields storage.Document) error {
	return m.merge(collection, id, fields, false)
}

func (m *MemoryStore) merge(collection, id string, fields storage.Document, upsert bool) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	docs := m.collection(collection)
	doc, exists := docs[id]
	if !exists {
		if !upsert {
			return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
		}
		doc = make(storage.Document, len(fields))
		docs[id] = doc
	}
	for k, v := range storage.CopyDocument(fields) {
		doc[k] = v
	}
	return nil
}

// Replace 整体替换文档
func (m *MemoryStore) Replace(ctx context.Context, collection, id string, doc storage.Document, upsert bool) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	docs := m.collection(collection)
	if _, exists := docs[id]; !exists && !upsert {
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}
	docs[id] = storage.CopyDocument(doc)
	return nil
}

// Increment 原子地给数值字段加上delta
func (m *MemoryStore) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := storage.ValidateKey(collection, id); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	docs := m.collection(collection)
	doc, exists := docs[id]
	if !exists {
		doc = make(storage.Document)
		docs[id] = doc
	}

	current, err := toInt64(doc[field])
	if err != nil {
		return 0, storage.NewInvalidArgumentError(fmt.Sprintf("字段 %s 不是数值: %v", field, err))
	}
	current += delta
	doc[field] = current
	return current, nil
}

// FindOne 按主键读取文档
func (m *MemoryStore) FindOne(ctx context.Context, collection, id string) (storage.Document, error) {
	if err := storage.ValidateKey(collection, id); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	doc, exists := m.collection(collection)[id]
	if !exists {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}
	return storage.CopyDocument(doc), nil
}

// FindAll 返回匹配过滤条件的全部文档
func (m *MemoryStore) FindAll(ctx context.Context, collection string, filter storage.Filter) (map[string]storage.Document, error) {
	if collection == "" {
		return nil, storage.NewInvalidArgumentError("集合名不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(map[string]storage.Document)
	for id, doc := range m.collection(collection) {
		if storage.Matches(doc, filter) {
			result[id] = storage.CopyDocument(doc)
		}
	}
	return result, nil
}

// Delete 删除文档
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.collection(collection), id)
	return nil
}

// EnsureTTL 声明集合的过期规则
func (m *MemoryStore) EnsureTTL(ctx context.Context, collection, field string, ttl time.Duration) error {
	if collection == "" || field == "" || ttl <= 0 {
		return storage.NewInvalidArgumentError("TTL规则参数无效")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.ttl[collection] = ttlRule{field: field, ttl: ttl}
	return nil
}

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() error {
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("不支持的类型 %T", v)
	}
}
