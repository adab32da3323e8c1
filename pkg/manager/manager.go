// Package manager 把主机存活跟踪、服务放置和变更监视组合成一个完整的服务监管进程。
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/event"
	"github.com/hewenyu/svcfleet/pkg/host"
	"github.com/hewenyu/svcfleet/pkg/metrics"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/monitor"
	"github.com/hewenyu/svcfleet/pkg/placement"
	"github.com/hewenyu/svcfleet/pkg/service"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

const storeTimeout = 5 * time.Second

// Options 服务管理器参数
type Options struct {
	Store    storage.Store
	Registry *service.Registry
	Identity model.ProcessIdentity
	// Address 本进程对外公布的地址
	Address    string
	Supervisor config.SupervisorConfig
	Clock      clock.Clock
	Logger     config.Logger
	Metrics    *metrics.Collector
}

// Events 本地事件总线
type Events struct {
	ServiceStatusChanged event.Event[service.StatusChange]
	DescriptorAdded      event.Event[DescriptorChange]
	DescriptorChanged    event.Event[DescriptorChange]
	DescriptorRemoved    event.Event[DescriptorChange]
	LeaseAdded           event.Event[LeaseChange]
	LeaseRemoved         event.Event[LeaseChange]
	LeaseStatusChanged   event.Event[LeaseChange]
	HostStatusChanged    event.Event[host.HostStatusChange]
	ProcessAdded         event.Event[model.HostProcessHeartbeat]
	ProcessRemoved       event.Event[model.HostProcessHeartbeat]
	// CloseRequested 本进程被请求关闭，本地服务已开始停止
	CloseRequested event.Event[model.HostProcessHeartbeat]
}

type monitorEntry struct {
	monitor *ServiceMonitor
	cancel  context.CancelFunc
}

// ServiceView 一个服务的当前视图
type ServiceView struct {
	Descriptor   model.ServiceDescriptor `json:"descriptor"`
	Leases       []model.ServiceLease    `json:"leases"`
	Health       string                  `json:"health"`
	BlockedUntil *time.Time              `json:"blocked_until,omitempty"`
}

// Manager 服务管理器
type Manager struct {
	store    storage.Store
	registry *service.Registry
	identity model.ProcessIdentity
	cfg      config.SupervisorConfig
	clock    clock.Clock
	logger   config.Logger
	metrics  *metrics.Collector

	hosts     *host.HostController
	processes *host.ProcessController
	catalog   *monitor.Monitor[model.ServiceDescriptor]
	blocks    *BlockList

	Events Events

	placeMutex sync.Mutex

	mutex         sync.Mutex
	controllers   map[string]*placement.Controller
	monitors      map[string]*monitorEntry
	buildFailures map[string]model.ServiceDescriptor
	started       bool
	closing       bool
	draining      bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// New 创建服务管理器
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Registry == nil {
		return nil, fmt.Errorf("存储和服务实现注册表不能为空")
	}
	if opts.Identity.Hostname == "" {
		return nil, fmt.Errorf("主机名不能为空")
	}
	if opts.Supervisor == (config.SupervisorConfig{}) {
		opts.Supervisor = config.DefaultSupervisorConfig()
	}
	if err := opts.Supervisor.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}

	hostOpts := host.Options{
		HeartbeatInterval:    opts.Supervisor.HeartbeatInterval,
		DyingTimeout:         opts.Supervisor.DyingTimeout,
		MaxHeartbeatFailures: opts.Supervisor.MaxHeartbeatFailures,
		Clock:                opts.Clock,
		Logger:               opts.Logger,
	}

	m := &Manager{
		store:         opts.Store,
		registry:      opts.Registry,
		identity:      opts.Identity,
		cfg:           opts.Supervisor,
		clock:         opts.Clock,
		logger:        opts.Logger.With(zap.String("process", opts.Identity.String())),
		metrics:       opts.Metrics,
		hosts:         host.NewHostController(opts.Store, opts.Identity.Hostname, hostOpts),
		processes:     host.NewProcessController(opts.Store, opts.Identity, opts.Address, hostOpts),
		blocks:        NewBlockList(),
		controllers:   make(map[string]*placement.Controller),
		monitors:      make(map[string]*monitorEntry),
		buildFailures: make(map[string]model.ServiceDescriptor),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.catalog = monitor.New(m.fetchCatalog, m.monitorOptions("catalog"))
	m.catalog.Added.Subscribe(m.onCatalogAdded)
	m.catalog.Removed.Subscribe(m.onCatalogRemoved)

	m.hosts.HostStatusChanged.Subscribe(func(c host.HostStatusChange) {
		m.logger.Info("主机状态变化", zap.String("host", c.Hostname), zap.String("from", string(c.Previous)), zap.String("to", string(c.Current)))
		m.Events.HostStatusChanged.Emit(c)
	})
	m.hosts.Failed.Subscribe(func(err error) {
		m.logger.Error("主机心跳失败", zap.Error(err))
	})
	m.processes.ProcessAdded.Subscribe(func(p model.HostProcessHeartbeat) {
		m.metrics.KnownProcesses.Inc()
		m.Events.ProcessAdded.Emit(p)
	})
	m.processes.ProcessRemoved.Subscribe(func(p model.HostProcessHeartbeat) {
		m.metrics.KnownProcesses.Dec()
		m.Events.ProcessRemoved.Emit(p)
	})
	m.processes.Failed.Subscribe(m.onFatal)
	m.processes.CloseRequested.Subscribe(m.onCloseRequested)

	return m, nil
}

func (m *Manager) monitorOptions(name string) monitor.Options {
	return monitor.Options{
		Name:     name,
		Interval: m.cfg.PollInterval,
		Clock:    m.clock,
		Logger:   m.logger,
	}
}

// Identity 返回本进程标识
func (m *Manager) Identity() model.ProcessIdentity {
	return m.identity
}

// Start 登记本机和本进程，加载服务目录并启动所有后台循环
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	if m.started {
		m.mutex.Unlock()
		return fmt.Errorf("服务管理器已启动")
	}
	m.started = true
	m.mutex.Unlock()

	if err := m.store.EnsureTTL(ctx, storage.CollectionServiceLeases, storage.FieldHeartbeatTime, m.cfg.DyingTimeout); err != nil {
		return fmt.Errorf("创建租约过期规则失败: %w", err)
	}
	if err := m.hosts.Register(ctx); err != nil {
		return err
	}
	if err := m.processes.Register(ctx); err != nil {
		return err
	}

	m.goLoop(func(ctx context.Context) { m.hosts.Run(ctx) })
	m.goLoop(func(ctx context.Context) { m.processes.Run(ctx) })

	if err := m.Load(ctx); err != nil {
		return err
	}

	m.goLoop(m.runCatalog)
	m.logger.Info("服务管理器已启动")
	return nil
}

// goLoop 在管理器的ctx下启动后台循环，关闭中不再启动新循环
func (m *Manager) goLoop(fn func(ctx context.Context)) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closing {
		return false
	}
	ctx := m.ctx
	m.group.Go(func() error {
		fn(ctx)
		return nil
	})
	return true
}

// Load 读取服务目录：为每个服务启动监视器，并尝试获取处于启用状态的服务
func (m *Manager) Load(ctx context.Context) error {
	if err := m.catalog.Check(ctx); err != nil {
		return fmt.Errorf("读取服务目录失败: %w", err)
	}
	m.reconcile(ctx)
	return nil
}

func (m *Manager) runCatalog(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.PollInterval):
		}

		if err := m.catalog.Check(ctx); err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("轮询服务目录失败", zap.Error(err))
			}
			continue
		}
		m.reconcile(ctx)
	}
}

func (m *Manager) fetchCatalog(ctx context.Context) (map[string]model.ServiceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	docs, err := m.store.FindAll(ctx, storage.CollectionServices, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ServiceDescriptor, len(docs))
	for id, doc := range docs {
		var desc model.ServiceDescriptor
		if err := storage.Decode(doc, &desc); err != nil {
			m.logger.Warn("无法解析服务定义", zap.String("service", id), zap.Error(err))
			continue
		}
		desc.Name = id
		out[id] = desc
	}
	return out, nil
}

// reconcile 让本地控制器与服务目录一致，并为未持有的启用服务尝试获取租约
func (m *Manager) reconcile(ctx context.Context) {
	catalog := m.catalog.Snapshot()
	m.metrics.BlockedServices.Set(float64(len(m.blocks.Purge(m.clock.Now()))))

	for _, c := range m.localControllers() {
		desc, ok := catalog[c.ServiceName()]
		switch {
		case !ok:
			c.Shutdown()
		case !desc.Active:
			c.SetActive(false)
		}
	}

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if desc := catalog[name]; desc.Active {
			m.tryPlace(ctx, desc)
		}
	}
}

func (m *Manager) localControllers() []*placement.Controller {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]*placement.Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c)
	}
	return out
}

func (m *Manager) controllersFor(name string) []*placement.Controller {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []*placement.Controller
	for _, c := range m.controllers {
		if c.ServiceName() == name {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) placementOptions() placement.Options {
	return placement.Options{
		HeartbeatInterval:    m.cfg.HeartbeatInterval,
		MaxHeartbeatFailures: m.cfg.MaxHeartbeatFailures,
		Clock:                m.clock,
		Logger:               m.logger,
	}
}

var ignoreStatus = cmpopts.IgnoreFields(model.ServiceDescriptor{}, "Status")

// tryPlace 在未被冷却、未被本进程持有时尝试获取服务租约并启动
func (m *Manager) tryPlace(ctx context.Context, desc model.ServiceDescriptor) {
	m.placeMutex.Lock()
	defer m.placeMutex.Unlock()

	if !desc.Active {
		return
	}
	if m.blocks.IsBlocked(desc.Name, m.clock.Now()) {
		return
	}

	ctrl := placement.New(m.store, m.registry, desc, m.identity, m.placementOptions())

	m.mutex.Lock()
	if m.closing || m.draining {
		m.mutex.Unlock()
		return
	}
	if failed, ok := m.buildFailures[desc.Name]; ok {
		if cmp.Equal(failed, desc, ignoreStatus) {
			m.mutex.Unlock()
			return
		}
		delete(m.buildFailures, desc.Name)
	}
	if _, owned := m.controllers[ctrl.LeaseID()]; owned {
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()

	acquired, err := ctrl.Acquire(ctx)
	if err != nil {
		m.logger.Warn("获取租约失败", zap.String("service", desc.Name), zap.Error(err))
		return
	}
	if !acquired {
		m.metrics.LeaseConflicts.WithLabelValues(desc.Name).Inc()
		return
	}
	m.metrics.LeaseAcquisitions.WithLabelValues(desc.Name).Inc()

	m.mutex.Lock()
	if m.closing || m.draining {
		m.mutex.Unlock()
		ctrl.Shutdown()
		return
	}
	m.controllers[ctrl.LeaseID()] = ctrl
	m.metrics.OwnedServices.Set(float64(len(m.controllers)))
	m.mutex.Unlock()

	ctrl.StatusChanged.Subscribe(func(change service.StatusChange) {
		m.onControllerStatus(ctrl, desc, change)
	})
	go m.awaitController(ctrl)

	m.logger.Info("开始运行服务", zap.String("service", desc.Name), zap.String("lease", ctrl.LeaseID()))
	ctrl.Start()
}

// awaitController 控制器退出后从本地集合中移除
func (m *Manager) awaitController(ctrl *placement.Controller) {
	<-ctrl.Done()

	m.mutex.Lock()
	if m.controllers[ctrl.LeaseID()] == ctrl {
		delete(m.controllers, ctrl.LeaseID())
	}
	m.metrics.OwnedServices.Set(float64(len(m.controllers)))
	m.mutex.Unlock()
}

func (m *Manager) onControllerStatus(ctrl *placement.Controller, desc model.ServiceDescriptor, change service.StatusChange) {
	m.metrics.StatusTransitions.WithLabelValues(string(change.Current)).Inc()

	if change.Current == model.StatusFailed {
		m.metrics.ServiceFailures.WithLabelValues(desc.Name).Inc()
		if change.Previous == model.StatusCreated {
			// 构造失败：服务定义变化之前不再尝试
			m.mutex.Lock()
			m.buildFailures[desc.Name] = desc
			m.mutex.Unlock()
			m.logger.Error("服务无法构造", zap.String("service", desc.Name), zap.Error(change.Err))
		} else {
			until := m.clock.Now().Add(m.cfg.FailureCooldown)
			m.blocks.Block(desc.Name, until)
			m.logger.Warn("服务失败，进入冷却期", zap.String("service", desc.Name), zap.Time("blocked_until", until), zap.Error(change.Err))
		}
	}

	m.Events.ServiceStatusChanged.Emit(change)
}

func (m *Manager) onCatalogAdded(c monitor.Change[model.ServiceDescriptor]) {
	m.Events.DescriptorAdded.Emit(DescriptorChange{Name: c.ID, Current: c.Current})
	m.spawnMonitor(c.ID)
}

func (m *Manager) onCatalogRemoved(c monitor.Change[model.ServiceDescriptor]) {
	m.mutex.Lock()
	entry, ok := m.monitors[c.ID]
	delete(m.monitors, c.ID)
	delete(m.buildFailures, c.ID)
	m.mutex.Unlock()
	if ok {
		entry.cancel()
	}
	for _, ctrl := range m.controllersFor(c.ID) {
		ctrl.Shutdown()
	}
	m.Events.DescriptorRemoved.Emit(DescriptorChange{Name: c.ID, Previous: c.Previous})
}

// spawnMonitor 为服务启动独立的监视器
func (m *Manager) spawnMonitor(name string) {
	sm := NewServiceMonitor(m.store, name, m.monitorOptions(name))
	sm.DescriptorChanged.Subscribe(m.onDescriptorChanged)
	sm.LeaseAdded.Subscribe(func(c LeaseChange) { m.Events.LeaseAdded.Emit(c) })
	sm.LeaseRemoved.Subscribe(m.onLeaseRemoved)
	sm.LeaseStatusChanged.Subscribe(m.onLeaseStatusChanged)

	m.mutex.Lock()
	if _, exists := m.monitors[name]; exists || m.closing {
		m.mutex.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.monitors[name] = &monitorEntry{monitor: sm, cancel: cancel}
	m.mutex.Unlock()

	// 先同步一次，使缓存在首次事件前就绪
	if err := sm.Check(ctx); err != nil {
		m.logger.Warn("初始化服务监视器失败", zap.String("service", name), zap.Error(err))
	}
	m.goLoop(func(context.Context) { sm.Run(ctx) })
}

func (m *Manager) onDescriptorChanged(c DescriptorChange) {
	m.Events.DescriptorChanged.Emit(c)

	if c.Previous.Active == c.Current.Active {
		return
	}
	if !c.Current.Active {
		for _, ctrl := range m.controllersFor(c.Name) {
			ctrl.SetActive(false)
		}
		return
	}
	m.tryPlace(m.ctx, c.Current)
}

func (m *Manager) owns(leaseID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.controllers[leaseID]
	return ok
}

func (m *Manager) descriptor(name string) (model.ServiceDescriptor, bool) {
	return m.catalog.Get(name)
}

// onLeaseRemoved 他人的租约消失后尝试接管
func (m *Manager) onLeaseRemoved(c LeaseChange) {
	m.Events.LeaseRemoved.Emit(c)
	if m.owns(c.LeaseID) {
		return
	}
	if desc, ok := m.descriptor(c.ServiceName); ok && desc.Active {
		m.tryPlace(m.ctx, desc)
	}
}

// onLeaseStatusChanged 其他进程上的服务失败后尝试接管
func (m *Manager) onLeaseStatusChanged(c LeaseChange) {
	m.Events.LeaseStatusChanged.Emit(c)
	if c.Current.Status != model.StatusFailed || m.owns(c.LeaseID) {
		return
	}
	m.logger.Info("发现其他进程上的服务失败", zap.String("service", c.ServiceName), zap.String("lease", c.LeaseID))
	if desc, ok := m.descriptor(c.ServiceName); ok && desc.Active {
		m.tryPlace(m.ctx, desc)
	}
}

// onFatal 本进程心跳无法写入时关闭所有本地服务
func (m *Manager) onFatal(err error) {
	m.logger.Error("本进程心跳失败，关闭全部本地服务", zap.Error(err))
	m.drain()
}

// onCloseRequested 其他进程请求本进程关闭时停止本地服务，由上层决定何时退出
func (m *Manager) onCloseRequested(p model.HostProcessHeartbeat) {
	m.logger.Info("本进程被请求关闭，停止全部本地服务")
	m.drain()
	m.Events.CloseRequested.Emit(p)
}

// drain 不再获取新服务，并关闭所有本地服务
func (m *Manager) drain() {
	m.mutex.Lock()
	m.draining = true
	m.mutex.Unlock()

	for _, ctrl := range m.localControllers() {
		ctrl.Shutdown()
	}
}

// RequestProcessClose 请求集群中的某个主机进程关闭
func (m *Manager) RequestProcessClose(ctx context.Context, processID string) error {
	return host.RequestClose(ctx, m.store, processID)
}

// SetServiceActive 只修改服务定义的启用标志，由各进程的监视器感知并执行。
// 本地冷却期不受影响。
func (m *Manager) SetServiceActive(ctx context.Context, name string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := m.store.UpdateFields(ctx, storage.CollectionServices, name, storage.Document{"active": active}); err != nil {
		return fmt.Errorf("修改服务 %s 启用状态失败: %w", name, err)
	}
	return nil
}

// CreateService 当服务定义不存在时写入
func (m *Manager) CreateService(ctx context.Context, desc model.ServiceDescriptor) error {
	return CreateService(ctx, m.store, desc)
}

// CreateService 当服务定义不存在时写入，已存在时返回ErrAlreadyExists
func CreateService(ctx context.Context, store storage.Store, desc model.ServiceDescriptor) error {
	if desc.Name == "" || desc.ImplementationID == "" {
		return storage.NewInvalidArgumentError("服务名和实现ID不能为空")
	}
	desc.Status = ""

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return store.InsertIfAbsent(ctx, storage.CollectionServices, desc.Name, desc.ToDocument())
}

// Services 返回服务目录中每个服务的视图
func (m *Manager) Services() []ServiceView {
	catalog := m.catalog.Snapshot()
	blocked := make(map[string]time.Time)
	for _, b := range m.blocks.Purge(m.clock.Now()) {
		blocked[b.ServiceName] = b.BlockedUntil
	}

	m.mutex.Lock()
	monitors := make(map[string]*ServiceMonitor, len(m.monitors))
	for name, e := range m.monitors {
		monitors[name] = e.monitor
	}
	m.mutex.Unlock()

	views := make([]ServiceView, 0, len(catalog))
	for name, desc := range catalog {
		view := ServiceView{Descriptor: desc, Health: HealthNotRunning, Leases: []model.ServiceLease{}}
		if sm, ok := monitors[name]; ok {
			view.Leases = sm.Leases()
			view.Health = HealthSummary(view.Leases)
		}
		if until, ok := blocked[name]; ok {
			u := until
			view.BlockedUntil = &u
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Descriptor.Name < views[j].Descriptor.Name })
	return views
}

// Service 返回单个服务的视图
func (m *Manager) Service(name string) (ServiceView, bool) {
	for _, v := range m.Services() {
		if v.Descriptor.Name == name {
			return v, true
		}
	}
	return ServiceView{}, false
}

// Hosts 返回全部主机记录
func (m *Manager) Hosts(ctx context.Context) ([]model.HostHeartbeat, error) {
	hosts, err := m.hosts.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Hostname < hosts[j].Hostname })
	return hosts, nil
}

// Processes 返回存活的主机进程
func (m *Manager) Processes() []model.HostProcessHeartbeat {
	snapshot := m.processes.Processes()
	out := make([]model.HostProcessHeartbeat, 0, len(snapshot))
	for _, p := range snapshot {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// OwnedLeases 返回本进程持有的租约ID
func (m *Manager) OwnedLeases() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown 停止所有循环，关闭本地服务并等待它们的租约删除。
// ctx到期后放弃等待，剩余租约由TTL回收。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	if m.closing {
		m.mutex.Unlock()
		return nil
	}
	m.closing = true
	started := m.started
	controllers := make([]*placement.Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mutex.Unlock()

	m.logger.Info("正在关闭服务管理器", zap.Int("services", len(controllers)))
	m.cancel()

	for _, c := range controllers {
		c.Shutdown()
	}

	var waitErr error
	for _, c := range controllers {
		select {
		case <-c.Done():
		case <-ctx.Done():
			c.Abort()
			waitErr = fmt.Errorf("等待服务 %s 退出超时: %w", c.ServiceName(), ctx.Err())
		}
	}

	m.group.Wait()

	if started {
		if err := m.processes.Unregister(ctx); err != nil {
			m.logger.Warn("删除进程记录失败", zap.Error(err))
		}
		if err := m.hosts.Unregister(ctx); err != nil {
			m.logger.Warn("更新主机记录失败", zap.Error(err))
		}
	}

	m.logger.Info("服务管理器已关闭")
	return waitErr
}
