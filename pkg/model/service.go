package model

import "time"

// ServiceStatus 服务生命周期状态
type ServiceStatus string

const (
	StatusCreated      ServiceStatus = "Created"
	StatusStarting     ServiceStatus = "Starting"
	StatusRunning      ServiceStatus = "Running"
	StatusIdle         ServiceStatus = "Idle"
	StatusDisabling    ServiceStatus = "Disabling"
	StatusDisabled     ServiceStatus = "Disabled"
	StatusFailed       ServiceStatus = "Failed"
	StatusShuttingDown ServiceStatus = "ShuttingDown"
	StatusOffline      ServiceStatus = "Offline"
)

// IsTerminal 终止状态下租约心跳停止并删除租约
func (s ServiceStatus) IsTerminal() bool {
	switch s {
	case StatusDisabled, StatusFailed, StatusOffline:
		return true
	}
	return false
}

// Restriction 服务放置策略，由服务实现静态声明
type Restriction string

const (
	// Unrestricted 每个主机进程各运行一份
	Unrestricted Restriction = "Unrestricted"
	// SingleHost 每台主机最多运行一份
	SingleHost Restriction = "SingleHost"
	// SingleHostProcess 整个集群最多运行一份
	SingleHostProcess Restriction = "SingleHostProcess"
)

// Valid 判断放置策略是否合法
func (r Restriction) Valid() bool {
	switch r {
	case Unrestricted, SingleHost, SingleHostProcess:
		return true
	}
	return false
}

// ServiceDescriptor 服务目录中的服务定义，以服务名为主键
type ServiceDescriptor struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Active           bool                   `json:"active"`
	ImplementationID string                 `json:"implementation_id"`
	Config           map[string]interface{} `json:"config,omitempty"`
	// Status 最近一次由持有者上报的Starting/Disabled状态，仅供展示
	Status ServiceStatus `json:"status,omitempty"`
}

// ToDocument 转换为存储文档
func (d ServiceDescriptor) ToDocument() map[string]interface{} {
	doc := map[string]interface{}{
		"name":              d.Name,
		"description":       d.Description,
		"active":            d.Active,
		"implementation_id": d.ImplementationID,
	}
	if d.Config != nil {
		doc["config"] = d.Config
	}
	if d.Status != "" {
		doc["status"] = string(d.Status)
	}
	return doc
}

// ServiceLease 服务租约，存在即表示某个进程正在持有该服务
type ServiceLease struct {
	LeaseID       string        `json:"lease_id"`
	ServiceName   string        `json:"service_name"`
	Status        ServiceStatus `json:"status"`
	HeartbeatTime time.Time     `json:"heartbeat_time"`
	Hostname      string        `json:"hostname"`
	PID           int           `json:"pid"`
	Restriction   Restriction   `json:"restriction"`
}

// ToDocument 转换为存储文档
func (l ServiceLease) ToDocument() map[string]interface{} {
	return map[string]interface{}{
		"lease_id":       l.LeaseID,
		"service_name":   l.ServiceName,
		"status":         string(l.Status),
		"heartbeat_time": l.HeartbeatTime,
		"hostname":       l.Hostname,
		"pid":            l.PID,
		"restriction":    string(l.Restriction),
	}
}

// Owner 返回持有该租约的进程
func (l ServiceLease) Owner() ProcessIdentity {
	return ProcessIdentity{Hostname: l.Hostname, PID: l.PID}
}
