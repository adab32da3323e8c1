package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hewenyu/svcfleet/pkg/model"
)

// Service 服务实现。Run应在ctx取消后尽快返回；正常返回表示工作已完成。
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc 将普通函数适配为Service
type ServiceFunc func(ctx context.Context) error

// Run 实现Service接口
func (f ServiceFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Factory 根据服务定义中的配置构造服务实现
type Factory func(config map[string]interface{}) (Service, error)

// Implementation 一个可注册的服务实现
type Implementation struct {
	ID          string
	Description string
	// Restriction 该实现的放置策略，对所有使用它的服务定义都相同
	Restriction model.Restriction
	Factory     Factory
}

// DefaultRestriction 未知实现使用的放置策略
const DefaultRestriction = model.SingleHostProcess

// Registry 服务实现注册表，以实现ID为键
type Registry struct {
	mutex sync.RWMutex
	impls map[string]Implementation
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]Implementation)}
}

// Register 注册服务实现，ID重复时返回错误
func (r *Registry) Register(impl Implementation) error {
	if impl.ID == "" || impl.Factory == nil {
		return fmt.Errorf("服务实现ID和工厂函数不能为空")
	}
	if impl.Restriction == "" {
		impl.Restriction = DefaultRestriction
	}
	if !impl.Restriction.Valid() {
		return fmt.Errorf("服务实现 %s 的放置策略无效: %s", impl.ID, impl.Restriction)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.impls[impl.ID]; exists {
		return fmt.Errorf("服务实现已注册: %s", impl.ID)
	}
	r.impls[impl.ID] = impl
	return nil
}

// MustRegister 注册失败时panic，用于程序初始化
func (r *Registry) MustRegister(impl Implementation) {
	if err := r.Register(impl); err != nil {
		panic(err)
	}
}

// Lookup 查找服务实现
func (r *Registry) Lookup(id string) (Implementation, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	impl, ok := r.impls[id]
	return impl, ok
}

// Restriction 返回实现的放置策略，未知实现返回DefaultRestriction
func (r *Registry) Restriction(id string) model.Restriction {
	if impl, ok := r.Lookup(id); ok {
		return impl.Restriction
	}
	return DefaultRestriction
}

// Build 根据服务定义构造服务实现。工厂函数的panic被转换为错误。
func (r *Registry) Build(desc model.ServiceDescriptor) (svc Service, err error) {
	impl, ok := r.Lookup(desc.ImplementationID)
	if !ok {
		return nil, fmt.Errorf("未知的服务实现: %q", desc.ImplementationID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			svc, err = nil, fmt.Errorf("构造服务 %s panic: %v", desc.Name, rec)
		}
	}()

	svc, err = impl.Factory(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("构造服务 %s 失败: %w", desc.Name, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("服务实现 %s 返回了空实例", desc.ImplementationID)
	}
	return svc, nil
}

// Implementations 返回按ID排序的全部实现
func (r *Registry) Implementations() []Implementation {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Implementation, 0, len(r.impls))
	for _, impl := range r.impls {
		out = append(out, impl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
