package host

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/monitor"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// ProcessController 维护本进程的心跳记录，并跟踪集群中所有主机进程的增减
type ProcessController struct {
	store   storage.Store
	self    model.HostProcessHeartbeat
	opts    Options
	logger  config.Logger
	monitor *monitor.Monitor[model.HostProcessHeartbeat]
	closing atomic.Bool

	ProcessAdded   event.Event[model.HostProcessHeartbeat]
	ProcessRemoved event.Event[model.HostProcessHeartbeat]
	// CloseRequested 本进程记录的close_requested被置位时触发一次
	CloseRequested event.Event[model.HostProcessHeartbeat]
	// Failed 本进程心跳连续写入失败时触发，之后控制器停止
	Failed event.Event[error]
}

// NewProcessController 创建进程控制器，address为对外公布的地址
func NewProcessController(store storage.Store, identity model.ProcessIdentity, address string, opts Options) *ProcessController {
	opts.setDefaults()
	p := &ProcessController{
		store: store,
		self: model.HostProcessHeartbeat{
			Hostname:   identity.Hostname,
			PID:        identity.PID,
			InstanceID: uuid.NewString(),
			Address:    address,
		},
		opts:   opts,
		logger: opts.Logger.With(zap.String("process", identity.String())),
	}
	p.monitor = monitor.New(p.fetch, monitor.Options{
		Name:     "host_processes",
		Interval: opts.HeartbeatInterval,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	p.monitor.Added.Subscribe(func(c monitor.Change[model.HostProcessHeartbeat]) {
		p.logger.Debug("发现主机进程", zap.String("id", c.ID))
		p.ProcessAdded.Emit(c.Current)
	})
	p.monitor.Removed.Subscribe(func(c monitor.Change[model.HostProcessHeartbeat]) {
		p.logger.Debug("主机进程已消失", zap.String("id", c.ID))
		p.ProcessRemoved.Emit(c.Previous)
	})
	return p
}

// Identity 返回本进程标识
func (p *ProcessController) Identity() model.ProcessIdentity {
	return model.ProcessIdentity{Hostname: p.self.Hostname, PID: p.self.PID}
}

// InstanceID 返回本次启动的唯一标识
func (p *ProcessController) InstanceID() string {
	return p.self.InstanceID
}

// Register 声明进程记录的过期规则并写入本进程记录
func (p *ProcessController) Register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := p.store.EnsureTTL(ctx, storage.CollectionHostProcesses, storage.FieldHeartbeatTime, p.opts.DyingTimeout); err != nil {
		return fmt.Errorf("创建进程记录过期规则失败: %w", err)
	}
	return p.SignalHeartbeat(ctx)
}

// SignalHeartbeat 写入本进程记录，记录过期被清理后也能恢复。
// close_requested由其他进程写入，心跳不覆盖。
func (p *ProcessController) SignalHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	record := p.self
	record.HeartbeatTime = p.opts.Clock.Now()
	doc := record.ToDocument()
	delete(doc, "close_requested")
	if err := p.store.UpsertFields(ctx, storage.CollectionHostProcesses, record.ID(), doc); err != nil {
		return fmt.Errorf("写入进程心跳失败: %w", err)
	}
	return nil
}

// Unregister 删除本进程记录
func (p *ProcessController) Unregister(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := p.store.Delete(ctx, storage.CollectionHostProcesses, p.self.ID()); err != nil {
		return fmt.Errorf("删除进程记录失败: %w", err)
	}
	return nil
}

// RequestClose 请求某个主机进程关闭，该进程在下一次巡检时收到CloseRequested
func RequestClose(ctx context.Context, store storage.Store, processID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := store.UpdateFields(ctx, storage.CollectionHostProcesses, processID, storage.Document{"close_requested": true}); err != nil {
		return fmt.Errorf("请求进程 %s 关闭失败: %w", processID, err)
	}
	return nil
}

// fetch 读取所有进程记录，顺带删除心跳已过期的记录
func (p *ProcessController) fetch(ctx context.Context) (map[string]model.HostProcessHeartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	docs, err := p.store.FindAll(ctx, storage.CollectionHostProcesses, nil)
	if err != nil {
		return nil, fmt.Errorf("读取进程列表失败: %w", err)
	}

	now := p.opts.Clock.Now()
	out := make(map[string]model.HostProcessHeartbeat, len(docs))
	var closeRequest *model.HostProcessHeartbeat
	for id, doc := range docs {
		var rec model.HostProcessHeartbeat
		if err := storage.Decode(doc, &rec); err != nil {
			p.logger.Warn("无法解析进程记录", zap.String("id", id), zap.Error(err))
			continue
		}
		if id != p.self.ID() && !model.IsAlive(rec.HeartbeatTime, now, p.opts.DyingTimeout) {
			if err := p.store.Delete(ctx, storage.CollectionHostProcesses, id); err != nil {
				p.logger.Warn("删除过期进程记录失败", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		if id == p.self.ID() && rec.CloseRequested && p.closing.CompareAndSwap(false, true) {
			closeRequest = &rec
		}
		out[id] = rec
	}

	if closeRequest != nil {
		p.logger.Info("收到关闭请求")
		p.CloseRequested.Emit(*closeRequest)
	}
	return out, nil
}

// Reconcile 巡检一次进程集合
func (p *ProcessController) Reconcile(ctx context.Context) error {
	return p.monitor.Check(ctx)
}

// Processes 返回最近一次巡检看到的存活进程
func (p *ProcessController) Processes() map[string]model.HostProcessHeartbeat {
	return p.monitor.Snapshot()
}

// Run 周期性发送心跳并巡检，直到ctx结束或心跳连续失败
func (p *ProcessController) Run(ctx context.Context) {
	failures := 0
	for {
		if err := p.SignalHeartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Warn("进程心跳失败", zap.Int("failures", failures), zap.Error(err))
			if failures >= p.opts.MaxHeartbeatFailures {
				p.logger.Error("进程心跳连续失败，停止", zap.Error(err))
				p.Failed.Emit(err)
				return
			}
		} else {
			failures = 0
		}

		if err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("进程巡检失败", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-p.opts.Clock.After(p.opts.HeartbeatInterval):
		}
	}
}
