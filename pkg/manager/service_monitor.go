package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/monitor"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// 服务健康摘要
const (
	HealthHealthy    = "Healthy"
	HealthFailing    = "Failing"
	HealthNotRunning = "Not Running"
)

// DescriptorChange 服务定义变化事件，删除时Current为零值
type DescriptorChange struct {
	Name     string
	Previous model.ServiceDescriptor
	Current  model.ServiceDescriptor
}

// LeaseChange 租约变化事件，新增时Previous为零值，删除时Current为零值
type LeaseChange struct {
	ServiceName string
	LeaseID     string
	Previous    model.ServiceLease
	Current     model.ServiceLease
}

// ServiceMonitor 轮询一个服务的定义和它的全部租约
type ServiceMonitor struct {
	name       string
	descriptor *monitor.Monitor[model.ServiceDescriptor]
	leases     *monitor.Monitor[model.ServiceLease]

	DescriptorChanged  event.Event[DescriptorChange]
	DescriptorRemoved  event.Event[DescriptorChange]
	LeaseAdded         event.Event[LeaseChange]
	LeaseRemoved       event.Event[LeaseChange]
	LeaseStatusChanged event.Event[LeaseChange]
}

// NewServiceMonitor 创建服务监视器
func NewServiceMonitor(store storage.Store, name string, opts monitor.Options) *ServiceMonitor {
	m := &ServiceMonitor{name: name}

	descOpts := opts
	descOpts.Name = "service:" + name
	m.descriptor = monitor.NewDocument(name, func(ctx context.Context) (model.ServiceDescriptor, bool, error) {
		doc, err := store.FindOne(ctx, storage.CollectionServices, name)
		if storage.IsNotFound(err) {
			return model.ServiceDescriptor{}, false, nil
		}
		if err != nil {
			return model.ServiceDescriptor{}, false, err
		}
		var desc model.ServiceDescriptor
		if err := storage.Decode(doc, &desc); err != nil {
			return model.ServiceDescriptor{}, false, err
		}
		if desc.Name == "" {
			desc.Name = name
		}
		return desc, true, nil
	}, descOpts)

	leaseOpts := opts
	leaseOpts.Name = "leases:" + name
	m.leases = monitor.New(func(ctx context.Context) (map[string]model.ServiceLease, error) {
		return FetchLeases(ctx, store, storage.Filter{"service_name": name})
	}, leaseOpts)

	m.descriptor.Changed.Subscribe(func(c monitor.Change[model.ServiceDescriptor]) {
		m.DescriptorChanged.Emit(DescriptorChange{Name: name, Previous: c.Previous, Current: c.Current})
	})
	m.descriptor.Removed.Subscribe(func(c monitor.Change[model.ServiceDescriptor]) {
		m.DescriptorRemoved.Emit(DescriptorChange{Name: name, Previous: c.Previous})
	})
	m.leases.Added.Subscribe(func(c monitor.Change[model.ServiceLease]) {
		m.LeaseAdded.Emit(LeaseChange{ServiceName: name, LeaseID: c.ID, Current: c.Current})
	})
	m.leases.Removed.Subscribe(func(c monitor.Change[model.ServiceLease]) {
		m.LeaseRemoved.Emit(LeaseChange{ServiceName: name, LeaseID: c.ID, Previous: c.Previous})
	})
	m.leases.Changed.Subscribe(func(c monitor.Change[model.ServiceLease]) {
		// 只有心跳时间变化时不通知
		if c.Previous.Status != c.Current.Status {
			m.LeaseStatusChanged.Emit(LeaseChange{ServiceName: name, LeaseID: c.ID, Previous: c.Previous, Current: c.Current})
		}
	})
	return m
}

// FetchLeases 读取并解码租约
func FetchLeases(ctx context.Context, store storage.Store, filter storage.Filter) (map[string]model.ServiceLease, error) {
	docs, err := store.FindAll(ctx, storage.CollectionServiceLeases, filter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ServiceLease, len(docs))
	for id, doc := range docs {
		var lease model.ServiceLease
		if err := storage.Decode(doc, &lease); err != nil {
			return nil, fmt.Errorf("解析租约 %s 失败: %w", id, err)
		}
		lease.LeaseID = id
		out[id] = lease
	}
	return out, nil
}

// Name 返回服务名
func (m *ServiceMonitor) Name() string {
	return m.name
}

// Check 轮询一次服务定义和租约
func (m *ServiceMonitor) Check(ctx context.Context) error {
	if err := m.descriptor.Check(ctx); err != nil {
		return err
	}
	return m.leases.Check(ctx)
}

// Run 循环轮询直到ctx结束
func (m *ServiceMonitor) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.leases.Run(ctx)
		close(done)
	}()
	m.descriptor.Run(ctx)
	<-done
}

// Descriptor 返回最近一次看到的服务定义
func (m *ServiceMonitor) Descriptor() (model.ServiceDescriptor, bool) {
	return m.descriptor.Get(m.name)
}

// Leases 返回最近一次看到的租约，按租约ID排序
func (m *ServiceMonitor) Leases() []model.ServiceLease {
	snapshot := m.leases.Snapshot()
	out := make([]model.ServiceLease, 0, len(snapshot))
	for _, l := range snapshot {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseID < out[j].LeaseID })
	return out
}

// Health 根据租约状态返回健康摘要
func (m *ServiceMonitor) Health() string {
	return HealthSummary(m.Leases())
}

// HealthSummary 全部Running为Healthy，没有Running为Failing，否则为"k/n running"
func HealthSummary(leases []model.ServiceLease) string {
	if len(leases) == 0 {
		return HealthNotRunning
	}
	running := 0
	for _, l := range leases {
		if l.Status == model.StatusRunning {
			running++
		}
	}
	switch running {
	case len(leases):
		return HealthHealthy
	case 0:
		return HealthFailing
	default:
		return fmt.Sprintf("%d/%d running", running, len(leases))
	}
}
