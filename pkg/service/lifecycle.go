package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/model"
)

// StatusChange 服务状态变化事件
type StatusChange struct {
	Name     string
	Previous model.ServiceStatus
	Current  model.ServiceStatus
	// Err 进入Failed时的原因
	Err error
}

// Instance 服务生命周期状态机。
// 状态只在发生变化时写入并触发StatusChanged；停止请求通过取消服务的ctx传达。
type Instance struct {
	name   string
	body   Service
	logger config.Logger

	mutex  sync.Mutex
	status model.ServiceStatus
	err    error
	cancel context.CancelFunc

	StatusChanged event.Event[StatusChange]
}

// NewInstance 创建处于Created状态的实例。body为nil表示构造失败，运行时直接进入Failed。
func NewInstance(name string, body Service, logger config.Logger) *Instance {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Instance{
		name:   name,
		body:   body,
		logger: logger,
		status: model.StatusCreated,
	}
}

// Name 返回服务名
func (i *Instance) Name() string {
	return i.name
}

// Status 返回当前状态
func (i *Instance) Status() model.ServiceStatus {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.status
}

// Err 返回最近一次失败的原因
func (i *Instance) Err() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.err
}

// transition 在持有锁时调用，返回需要在锁外发出的事件
func (i *Instance) transition(next model.ServiceStatus, cause error) (StatusChange, bool) {
	if i.status == next {
		return StatusChange{}, false
	}
	change := StatusChange{Name: i.name, Previous: i.status, Current: next}
	i.status = next
	if next == model.StatusFailed {
		i.err = cause
		change.Err = cause
	}
	switch next {
	case model.StatusDisabling, model.StatusShuttingDown, model.StatusFailed:
		if i.cancel != nil {
			i.cancel()
		}
	}
	return change, true
}

func (i *Instance) emit(change StatusChange, ok bool) {
	if !ok {
		return
	}
	fields := []zap.Field{
		zap.String("service", i.name),
		zap.String("from", string(change.Previous)),
		zap.String("to", string(change.Current)),
	}
	if change.Err != nil {
		fields = append(fields, zap.Error(change.Err))
	}
	i.logger.Debug("服务状态变化", fields...)
	i.StatusChanged.Emit(change)
}

// Launch 首次启动：Created → Starting
func (i *Instance) Launch() bool {
	i.mutex.Lock()
	if i.status != model.StatusCreated {
		i.mutex.Unlock()
		return false
	}
	change, ok := i.transition(model.StatusStarting, nil)
	i.mutex.Unlock()
	i.emit(change, ok)
	return ok
}

// SetActive 启用或停用服务。
// 启用只对Disabled、Idle、Failed有效；停用时运行中的服务进入Disabling，其余进入Disabled。
func (i *Instance) SetActive(active bool) bool {
	i.mutex.Lock()
	var next model.ServiceStatus
	switch {
	case active:
		switch i.status {
		case model.StatusDisabled, model.StatusIdle, model.StatusFailed:
			next = model.StatusStarting
		}
	default:
		switch i.status {
		case model.StatusRunning, model.StatusStarting:
			next = model.StatusDisabling
		case model.StatusCreated, model.StatusIdle, model.StatusFailed:
			next = model.StatusDisabled
		}
	}
	if next == "" {
		i.mutex.Unlock()
		return false
	}
	change, ok := i.transition(next, nil)
	i.mutex.Unlock()
	i.emit(change, ok)
	return ok
}

// Shutdown 请求关闭。运行中的服务进入ShuttingDown，等服务返回后变为Offline。
func (i *Instance) Shutdown() {
	i.mutex.Lock()
	var next model.ServiceStatus
	switch i.status {
	case model.StatusRunning, model.StatusStarting:
		next = model.StatusShuttingDown
	case model.StatusCreated, model.StatusIdle:
		next = model.StatusOffline
	}
	if next == "" {
		i.mutex.Unlock()
		return
	}
	change, ok := i.transition(next, nil)
	i.mutex.Unlock()
	i.emit(change, ok)
}

// Fail 强制进入Failed并取消服务，终止状态下无操作
func (i *Instance) Fail(err error) {
	i.mutex.Lock()
	if i.status.IsTerminal() {
		i.mutex.Unlock()
		return
	}
	change, ok := i.transition(model.StatusFailed, err)
	i.mutex.Unlock()
	i.emit(change, ok)
}

// Run 在Starting状态下执行服务。
// 服务返回后：停用请求→Disabled，关闭请求→Offline，出错或panic→Failed，否则→Idle。
func (i *Instance) Run(ctx context.Context) {
	i.mutex.Lock()
	switch i.status {
	case model.StatusDisabling:
		change, ok := i.transition(model.StatusDisabled, nil)
		i.mutex.Unlock()
		i.emit(change, ok)
		return
	case model.StatusShuttingDown:
		change, ok := i.transition(model.StatusOffline, nil)
		i.mutex.Unlock()
		i.emit(change, ok)
		return
	case model.StatusStarting:
	default:
		i.mutex.Unlock()
		return
	}

	if i.body == nil {
		change, ok := i.transition(model.StatusFailed, fmt.Errorf("服务 %s 没有可运行的实现", i.name))
		i.mutex.Unlock()
		i.emit(change, ok)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	change, ok := i.transition(model.StatusRunning, nil)
	i.mutex.Unlock()
	i.emit(change, ok)

	err := i.invoke(runCtx)
	cancel()

	i.mutex.Lock()
	i.cancel = nil
	stopping := i.status == model.StatusDisabling || i.status == model.StatusShuttingDown
	var next model.ServiceStatus
	switch {
	case i.status == model.StatusFailed:
		// 运行期间已被强制失败
	case err != nil && !(stopping && errors.Is(err, context.Canceled)):
		next = model.StatusFailed
	case i.status == model.StatusDisabling:
		next = model.StatusDisabled
	case i.status == model.StatusShuttingDown:
		next = model.StatusOffline
	default:
		next = model.StatusIdle
	}
	if next == "" {
		i.mutex.Unlock()
		return
	}
	if next == model.StatusFailed {
		i.logger.Error("服务运行失败", zap.String("service", i.name), zap.Error(err))
	}
	change, ok = i.transition(next, err)
	i.mutex.Unlock()
	i.emit(change, ok)
}

func (i *Instance) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("服务 %s panic: %v", i.name, r)
		}
	}()
	return i.body.Run(ctx)
}
