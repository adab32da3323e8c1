// Package metrics 定义服务监管相关的Prometheus指标。
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "svcfleet"

// Collector 服务监管指标，实现prometheus.Collector
type Collector struct {
	LeaseAcquisitions *prometheus.CounterVec
	LeaseConflicts    *prometheus.CounterVec
	ServiceFailures   *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	OwnedServices     prometheus.Gauge
	BlockedServices   prometheus.Gauge
	KnownProcesses    prometheus.Gauge
}

// NewCollector 创建指标集合
func NewCollector() *Collector {
	return &Collector{
		LeaseAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_acquisitions_total",
				Help:      "本进程成功获取的服务租约数。",
			}, []string{"service"},
		),
		LeaseConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_conflicts_total",
				Help:      "因租约已被持有而放弃的获取次数。",
			}, []string{"service"},
		),
		ServiceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_failures_total",
				Help:      "本进程中进入Failed状态的服务次数。",
			}, []string{"service"},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "本进程中服务状态变化次数。",
			}, []string{"status"},
		),
		OwnedServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_services",
			Help:      "本进程当前持有租约的服务数。",
		}),
		BlockedServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_services",
			Help:      "处于失败冷却期的服务数。",
		}),
		KnownProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_host_processes",
			Help:      "集群中存活的主机进程数。",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.LeaseAcquisitions.Describe(ch)
	c.LeaseConflicts.Describe(ch)
	c.ServiceFailures.Describe(ch)
	c.StatusTransitions.Describe(ch)
	c.OwnedServices.Describe(ch)
	c.BlockedServices.Describe(ch)
	c.KnownProcesses.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.LeaseAcquisitions.Collect(ch)
	c.LeaseConflicts.Collect(ch)
	c.ServiceFailures.Collect(ch)
	c.StatusTransitions.Collect(ch)
	c.OwnedServices.Collect(ch)
	c.BlockedServices.Collect(ch)
	c.KnownProcesses.Collect(ch)
}
