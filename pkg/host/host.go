package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// HostStatusChange 主机状态变化事件
type HostStatusChange struct {
	Hostname string
	Previous model.HostStatus
	Current  model.HostStatus
}

// HostController 维护本机的主机记录，并巡检所有主机的存活状态
type HostController struct {
	store    storage.Store
	hostname string
	opts     Options
	logger   config.Logger

	mutex    sync.Mutex
	statuses map[string]model.HostStatus

	HostStatusChanged event.Event[HostStatusChange]
	// Failed 本机心跳连续写入失败时触发，之后控制器停止
	Failed event.Event[error]
}

// NewHostController 创建主机控制器
func NewHostController(store storage.Store, hostname string, opts Options) *HostController {
	opts.setDefaults()
	return &HostController{
		store:    store,
		hostname: hostname,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("host", hostname)),
		statuses: make(map[string]model.HostStatus),
	}
}

// Hostname 返回本机主机名
func (h *HostController) Hostname() string {
	return h.hostname
}

func (h *HostController) get(ctx context.Context, hostname string) (model.HostHeartbeat, bool, error) {
	doc, err := h.store.FindOne(ctx, storage.CollectionHosts, hostname)
	if storage.IsNotFound(err) {
		return model.HostHeartbeat{}, false, nil
	}
	if err != nil {
		return model.HostHeartbeat{}, false, err
	}
	var hb model.HostHeartbeat
	if err := storage.Decode(doc, &hb); err != nil {
		return model.HostHeartbeat{}, false, err
	}
	return hb, true, nil
}

// IsHostAlreadyRunning 判断本机是否已有存活的进程
func (h *HostController) IsHostAlreadyRunning(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	hb, found, err := h.get(ctx, h.hostname)
	if err != nil || !found {
		return false, err
	}
	return hb.Status == model.HostStatusOnline && model.IsAlive(hb.HeartbeatTime, h.opts.Clock.Now(), h.opts.DyingTimeout), nil
}

// Register 本进程启动时登记：记录过期或不存在时实例数置为1，否则加1
func (h *HostController) Register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	running, err := h.IsHostAlreadyRunning(ctx)
	if err != nil {
		return fmt.Errorf("读取主机记录失败: %w", err)
	}

	now := h.opts.Clock.Now()
	if !running {
		record := model.HostHeartbeat{
			Hostname:      h.hostname,
			HeartbeatTime: now,
			Status:        model.HostStatusOnline,
			Instances:     1,
		}
		if err := h.store.UpsertFields(ctx, storage.CollectionHosts, h.hostname, record.ToDocument()); err != nil {
			return fmt.Errorf("写入主机记录失败: %w", err)
		}
		h.logger.Info("主机已上线")
		return nil
	}

	n, err := h.store.Increment(ctx, storage.CollectionHosts, h.hostname, "instances", 1)
	if err != nil {
		return fmt.Errorf("增加主机实例数失败: %w", err)
	}
	if err := h.SignalHeartbeat(ctx); err != nil {
		return err
	}
	h.logger.Info("主机已有其他进程在运行", zap.Int64("instances", n))
	return nil
}

// SignalHeartbeat 刷新本机心跳时间
func (h *HostController) SignalHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := h.store.UpsertFields(ctx, storage.CollectionHosts, h.hostname, storage.Document{
		"hostname":                 h.hostname,
		storage.FieldHeartbeatTime: h.opts.Clock.Now(),
		"status":                   string(model.HostStatusOnline),
	})
	if err != nil {
		return fmt.Errorf("写入主机心跳失败: %w", err)
	}
	return nil
}

// Unregister 本进程退出时登记：实例数减1，减到0时主机标记为Offline
func (h *HostController) Unregister(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	hb, found, err := h.get(ctx, h.hostname)
	if err != nil {
		return fmt.Errorf("读取主机记录失败: %w", err)
	}
	if !found || hb.Status == model.HostStatusDead {
		// 已被判定死亡时实例数已清零
		return nil
	}

	n, err := h.store.Increment(ctx, storage.CollectionHosts, h.hostname, "instances", -1)
	if err != nil {
		return fmt.Errorf("减少主机实例数失败: %w", err)
	}
	if n > 0 {
		return nil
	}

	err = h.store.UpdateFields(ctx, storage.CollectionHosts, h.hostname, storage.Document{
		"status":    string(model.HostStatusOffline),
		"instances": 0,
	})
	if err != nil {
		return fmt.Errorf("更新主机状态失败: %w", err)
	}
	h.logger.Info("主机已下线")
	return nil
}

// Hosts 返回全部主机记录
func (h *HostController) Hosts(ctx context.Context) ([]model.HostHeartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	docs, err := h.store.FindAll(ctx, storage.CollectionHosts, nil)
	if err != nil {
		return nil, fmt.Errorf("读取主机列表失败: %w", err)
	}
	hosts := make([]model.HostHeartbeat, 0, len(docs))
	for id, doc := range docs {
		var hb model.HostHeartbeat
		if err := storage.Decode(doc, &hb); err != nil {
			h.logger.Warn("无法解析主机记录", zap.String("id", id), zap.Error(err))
			continue
		}
		if hb.Hostname == "" {
			hb.Hostname = id
		}
		hosts = append(hosts, hb)
	}
	return hosts, nil
}

// Reconcile 巡检一次：状态变化触发事件，心跳过期的在线主机标记为Dead
func (h *HostController) Reconcile(ctx context.Context) error {
	hosts, err := h.Hosts(ctx)
	if err != nil {
		return err
	}

	now := h.opts.Clock.Now()
	var changes []HostStatusChange
	seen := make(map[string]bool, len(hosts))

	for _, hb := range hosts {
		seen[hb.Hostname] = true
		status := hb.Status

		if status == model.HostStatusOnline && hb.Hostname != h.hostname && !model.IsAlive(hb.HeartbeatTime, now, h.opts.DyingTimeout) {
			err := h.store.UpdateFields(ctx, storage.CollectionHosts, hb.Hostname, storage.Document{
				"status":    string(model.HostStatusDead),
				"instances": 0,
			})
			if err != nil {
				h.logger.Warn("标记主机死亡失败", zap.String("dead_host", hb.Hostname), zap.Error(err))
			} else {
				h.logger.Warn("主机心跳过期，标记为Dead", zap.String("dead_host", hb.Hostname))
				status = model.HostStatusDead
			}
		}

		h.mutex.Lock()
		prev, known := h.statuses[hb.Hostname]
		h.statuses[hb.Hostname] = status
		h.mutex.Unlock()
		if known && prev != status {
			changes = append(changes, HostStatusChange{Hostname: hb.Hostname, Previous: prev, Current: status})
		}
	}

	h.mutex.Lock()
	for name := range h.statuses {
		if !seen[name] {
			delete(h.statuses, name)
		}
	}
	h.mutex.Unlock()

	for _, c := range changes {
		h.HostStatusChanged.Emit(c)
	}
	return nil
}

// Run 每个心跳周期刷新本机心跳并巡检一次，直到ctx结束或心跳连续失败
func (h *HostController) Run(ctx context.Context) {
	failures := 0
	for {
		if err := h.SignalHeartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			h.logger.Warn("主机心跳失败", zap.Int("failures", failures), zap.Error(err))
			if failures >= h.opts.MaxHeartbeatFailures {
				h.logger.Error("主机心跳连续失败，停止", zap.Error(err))
				h.Failed.Emit(err)
				return
			}
		} else {
			failures = 0
		}

		if err := h.Reconcile(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("主机巡检失败", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-h.opts.Clock.After(h.opts.HeartbeatInterval):
		}
	}
}
