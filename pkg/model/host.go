package model

import (
	"fmt"
	"time"
)

// HostStatus 主机状态
type HostStatus string

const (
	// HostStatusOnline 主机在线
	HostStatusOnline HostStatus = "Online"
	// HostStatusOffline 主机上所有进程都已正常退出
	HostStatusOffline HostStatus = "Offline"
	// HostStatusDead 主机心跳过期
	HostStatusDead HostStatus = "Dead"
)

// HostHeartbeat 主机心跳记录，以主机名为主键
type HostHeartbeat struct {
	Hostname      string     `json:"hostname"`
	HeartbeatTime time.Time  `json:"heartbeat_time"`
	Status        HostStatus `json:"status"`
	// Instances 本机正在运行的进程数
	Instances int `json:"instances"`
}

// ToDocument 转换为存储文档
func (h HostHeartbeat) ToDocument() map[string]interface{} {
	return map[string]interface{}{
		"hostname":       h.Hostname,
		"heartbeat_time": h.HeartbeatTime,
		"status":         string(h.Status),
		"instances":      h.Instances,
	}
}

// HostProcessHeartbeat 主机进程心跳记录，主键为 hostname_pid
type HostProcessHeartbeat struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
	// InstanceID 每次启动生成，用于区分PID复用
	InstanceID     string    `json:"instance_id"`
	Address        string    `json:"address"`
	HeartbeatTime  time.Time `json:"heartbeat_time"`
	CloseRequested bool      `json:"close_requested"`
}

// ID 返回进程记录主键
func (p HostProcessHeartbeat) ID() string {
	return ProcessID(p.Hostname, p.PID)
}

// ToDocument 转换为存储文档
func (p HostProcessHeartbeat) ToDocument() map[string]interface{} {
	return map[string]interface{}{
		"hostname":        p.Hostname,
		"pid":             p.PID,
		"instance_id":     p.InstanceID,
		"address":         p.Address,
		"heartbeat_time":  p.HeartbeatTime,
		"close_requested": p.CloseRequested,
	}
}

// ProcessID 根据主机名和PID生成进程记录主键
func ProcessID(hostname string, pid int) string {
	return fmt.Sprintf("%s_%d", hostname, pid)
}

// ProcessIdentity 标识当前进程
type ProcessIdentity struct {
	Hostname string
	PID      int
}

func (p ProcessIdentity) String() string {
	return ProcessID(p.Hostname, p.PID)
}

// IsAlive 判断心跳在now时刻是否仍然有效
func IsAlive(heartbeat, now time.Time, dyingTimeout time.Duration) bool {
	return now.Sub(heartbeat) < dyingTimeout
}
