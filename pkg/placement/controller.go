// Package placement 通过在共享存储中插入租约文档来决定服务在哪里运行。
package placement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/service"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

const storeTimeout = 5 * time.Second

// DeriveLeaseID 按放置策略生成租约主键
func DeriveLeaseID(name string, restriction model.Restriction, hostname string, pid int) string {
	switch restriction {
	case model.Unrestricted:
		return fmt.Sprintf("%s@%s#%d", name, hostname, pid)
	case model.SingleHost:
		return fmt.Sprintf("%s@%s", name, hostname)
	default:
		return name
	}
}

// Options 控制器参数
type Options struct {
	HeartbeatInterval    time.Duration
	MaxHeartbeatFailures int
	Clock                clock.Clock
	Logger               config.Logger
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.MaxHeartbeatFailures <= 0 {
		o.MaxHeartbeatFailures = 3
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = config.NewNopLogger()
	}
}

// Controller 负责一个服务在本进程的一份租约：获取、心跳、状态上报和释放。
type Controller struct {
	store       storage.Store
	registry    *service.Registry
	descriptor  model.ServiceDescriptor
	identity    model.ProcessIdentity
	restriction model.Restriction
	leaseID     string
	opts        Options
	logger      config.Logger

	mutex             sync.Mutex
	instance          *service.Instance
	started           bool
	statusWriteFailed bool

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	wake   chan struct{}
	done   chan struct{}

	StatusChanged event.Event[service.StatusChange]
}

// New 创建控制器，放置策略取自服务实现的注册信息
func New(store storage.Store, registry *service.Registry, descriptor model.ServiceDescriptor, identity model.ProcessIdentity, opts Options) *Controller {
	opts.setDefaults()
	restriction := registry.Restriction(descriptor.ImplementationID)
	leaseID := DeriveLeaseID(descriptor.Name, restriction, identity.Hostname, identity.PID)
	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		store:       store,
		registry:    registry,
		descriptor:  descriptor,
		identity:    identity,
		restriction: restriction,
		leaseID:     leaseID,
		opts:        opts,
		logger:      opts.Logger.With(zap.String("service", descriptor.Name), zap.String("lease", leaseID)),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// LeaseID 返回租约主键
func (c *Controller) LeaseID() string {
	return c.leaseID
}

// ServiceName 返回服务名
func (c *Controller) ServiceName() string {
	return c.descriptor.Name
}

// Restriction 返回放置策略
func (c *Controller) Restriction() model.Restriction {
	return c.restriction
}

// Status 返回服务当前状态，未启动时为Created
func (c *Controller) Status() model.ServiceStatus {
	c.mutex.Lock()
	inst := c.instance
	c.mutex.Unlock()
	if inst == nil {
		return model.StatusCreated
	}
	return inst.Status()
}

// Done 在心跳循环退出、租约删除且服务返回后关闭
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Acquire 尝试插入租约。租约已被他人持有时返回false且不报错。
func (c *Controller) Acquire(ctx context.Context) (bool, error) {
	lease := model.ServiceLease{
		LeaseID:       c.leaseID,
		ServiceName:   c.descriptor.Name,
		Status:        model.StatusCreated,
		HeartbeatTime: c.opts.Clock.Now(),
		Hostname:      c.identity.Hostname,
		PID:           c.identity.PID,
		Restriction:   c.restriction,
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := c.store.InsertIfAbsent(ctx, storage.CollectionServiceLeases, c.leaseID, lease.ToDocument())
	if storage.IsAlreadyExists(err) {
		c.logger.Debug("租约已被持有")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("获取租约 %s 失败: %w", c.leaseID, err)
	}
	c.logger.Info("获取租约成功")
	return true, nil
}

// Start 构造服务实例并启动心跳循环和服务。
// 构造失败不返回错误，而是把Failed写入租约。只能调用一次。
func (c *Controller) Start() {
	c.mutex.Lock()
	if c.started {
		c.mutex.Unlock()
		return
	}
	c.started = true

	body, buildErr := c.registry.Build(c.descriptor)
	inst := service.NewInstance(c.descriptor.Name, body, c.logger)
	inst.StatusChanged.Subscribe(c.onStatusChanged)
	c.instance = inst
	c.mutex.Unlock()

	go c.heartbeatLoop(inst)

	switch {
	case buildErr != nil:
		c.logger.Error("构造服务失败", zap.Error(buildErr))
		inst.Fail(buildErr)
	case !c.descriptor.Active:
		inst.SetActive(false)
	default:
		inst.Launch()
	}
}

// SetActive 启用或停用服务
func (c *Controller) SetActive(active bool) {
	if inst := c.currentInstance(); inst != nil {
		inst.SetActive(active)
	}
}

// Shutdown 请求关闭服务；租约在服务返回后由心跳循环删除
func (c *Controller) Shutdown() {
	inst := c.currentInstance()
	if inst == nil {
		// 从未启动，直接释放可能已获取的租约
		c.mutex.Lock()
		started := c.started
		c.started = true
		c.mutex.Unlock()
		if !started {
			c.releaseLease()
			close(c.done)
		}
		return
	}
	inst.Shutdown()
}

// Abort 放弃等待：停止心跳循环并取消服务的ctx
func (c *Controller) Abort() {
	c.cancel()
}

// Err 返回服务最近一次失败的原因
func (c *Controller) Err() error {
	if inst := c.currentInstance(); inst != nil {
		return inst.Err()
	}
	return nil
}

func (c *Controller) currentInstance() *service.Instance {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.instance
}

func (c *Controller) onStatusChanged(change service.StatusChange) {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	err := c.store.UpdateFields(ctx, storage.CollectionServiceLeases, c.leaseID, storage.Document{
		"status": string(change.Current),
	})
	if err != nil && !change.Current.IsTerminal() {
		c.mutex.Lock()
		first := !c.statusWriteFailed
		c.statusWriteFailed = true
		inst := c.instance
		c.mutex.Unlock()
		if first {
			c.logger.Error("写入租约状态失败", zap.String("status", string(change.Current)), zap.Error(err))
			inst.Fail(fmt.Errorf("写入租约状态失败: %w", err))
		}
	}

	switch change.Current {
	case model.StatusStarting, model.StatusDisabled:
		err := c.store.UpdateFields(ctx, storage.CollectionServices, c.descriptor.Name, storage.Document{
			"status": string(change.Current),
		})
		if err != nil && !storage.IsNotFound(err) {
			c.logger.Warn("写入服务定义状态失败", zap.Error(err))
		}
	}

	c.StatusChanged.Emit(change)

	// 订阅者处理完终止状态后才唤醒心跳循环删除租约
	if change.Current.IsTerminal() {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}

	// 状态写入完成后再启动服务，保证Running晚于Starting
	if change.Current == model.StatusStarting {
		inst := c.currentInstance()
		c.runs.Add(1)
		go func() {
			defer c.runs.Done()
			inst.Run(c.ctx)
		}()
	}
}

// heartbeatLoop 周期性刷新租约心跳，直到服务进入终止状态，最后删除租约
func (c *Controller) heartbeatLoop(inst *service.Instance) {
	defer close(c.done)

	failures := 0
	for {
		status := inst.Status()
		if status.IsTerminal() {
			break
		}

		if err := c.signalHeartbeat(); err != nil {
			if storage.IsNotFound(err) {
				inst.Fail(fmt.Errorf("租约已丢失: %w", err))
				continue
			}
			failures++
			c.logger.Warn("租约心跳失败", zap.Int("failures", failures), zap.Error(err))
			if failures >= c.opts.MaxHeartbeatFailures {
				inst.Fail(fmt.Errorf("租约心跳连续失败%d次: %w", failures, err))
				continue
			}
		} else {
			failures = 0
		}

		select {
		case <-c.ctx.Done():
			c.releaseLease()
			return
		case <-c.wake:
		case <-c.opts.Clock.After(c.opts.HeartbeatInterval):
		}
	}

	c.releaseLease()
	c.runs.Wait()
	c.logger.Info("服务控制器已退出", zap.String("status", string(inst.Status())))
}

// signalHeartbeat 只刷新心跳时间，status字段由状态变化写入
func (c *Controller) signalHeartbeat() error {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	return c.store.UpdateFields(ctx, storage.CollectionServiceLeases, c.leaseID, storage.Document{
		storage.FieldHeartbeatTime: c.opts.Clock.Now(),
	})
}

func (c *Controller) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.store.Delete(ctx, storage.CollectionServiceLeases, c.leaseID); err != nil {
		// 删除失败时由TTL过期回收
		c.logger.Warn("删除租约失败", zap.Error(err))
		return
	}
	c.logger.Debug("租约已删除")
}
