// Package monitor 通过轮询快照并与上次结果比较来发现文档的新增、变更和删除。
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
)

// Fetcher 返回当前快照，以文档主键为键
type Fetcher[T any] func(ctx context.Context) (map[string]T, error)

// Change 描述一条文档的变化。新增时Previous为零值，删除时Current为零值。
type Change[T any] struct {
	ID       string
	Previous T
	Current  T
}

// Options 监视器参数
type Options struct {
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Logger   config.Logger
}

// Monitor 轮询式变更监视器
type Monitor[T any] struct {
	name     string
	fetch    Fetcher[T]
	equal    func(a, b T) bool
	interval time.Duration
	clock    clock.Clock
	logger   config.Logger

	mutex   sync.Mutex
	entries map[string]T

	Added   event.Event[Change[T]]
	Changed event.Event[Change[T]]
	Removed event.Event[Change[T]]
}

// New 创建监视器，文档比较使用整文档相等
func New[T any](fetch Fetcher[T], opts Options) *Monitor[T] {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Monitor[T]{
		name:     opts.Name,
		fetch:    fetch,
		equal:    func(a, b T) bool { return cmp.Equal(a, b) },
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		entries:  make(map[string]T),
	}
}

// Check 执行一次轮询。拉取失败时缓存保持不变，也不会产生删除事件。
func (m *Monitor[T]) Check(ctx context.Context) error {
	current, err := m.fetch(ctx)
	if err != nil {
		return err
	}

	var added, changed, removed []Change[T]

	m.mutex.Lock()
	dirty := make(map[string]bool, len(m.entries))
	for id := range m.entries {
		dirty[id] = true
	}

	for _, id := range sortedKeys(current) {
		value := current[id]
		prev, known := m.entries[id]
		if known {
			delete(dirty, id)
			if !m.equal(prev, value) {
				m.entries[id] = value
				changed = append(changed, Change[T]{ID: id, Previous: prev, Current: value})
			}
			continue
		}
		m.entries[id] = value
		added = append(added, Change[T]{ID: id, Current: value})
	}

	for _, id := range sortedKeys(dirty) {
		removed = append(removed, Change[T]{ID: id, Previous: m.entries[id]})
		delete(m.entries, id)
	}
	m.mutex.Unlock()

	for _, c := range changed {
		m.Changed.Emit(c)
	}
	for _, c := range added {
		m.Added.Emit(c)
	}
	for _, c := range removed {
		m.Removed.Emit(c)
	}
	return nil
}

// Run 循环轮询直到ctx结束
func (m *Monitor[T]) Run(ctx context.Context) {
	for {
		if err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("轮询快照失败", zap.String("monitor", m.name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

// Snapshot 返回最近一次轮询得到的缓存副本
func (m *Monitor[T]) Snapshot() map[string]T {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make(map[string]T, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Get 返回缓存中的单个文档
func (m *Monitor[T]) Get(id string) (T, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	v, ok := m.entries[id]
	return v, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
