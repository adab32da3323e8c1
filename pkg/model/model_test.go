package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsAlive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, IsAlive(now.Add(-4*time.Second), now, 5*time.Second), "4秒前的心跳应仍然有效")
	assert.False(t, IsAlive(now.Add(-5*time.Second), now, 5*time.Second), "恰好达到过期时间应视为过期")
	assert.False(t, IsAlive(now.Add(-time.Minute), now, 5*time.Second))
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ServiceStatus{StatusDisabled, StatusFailed, StatusOffline}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s 应为终止状态", s)
	}
	live := []ServiceStatus{StatusCreated, StatusStarting, StatusRunning, StatusIdle, StatusDisabling, StatusShuttingDown}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s 不应为终止状态", s)
	}
}

func TestPlacementDNSRecords(t *testing.T) {
	leases := []ServiceLease{
		{LeaseID: "indexer@b", ServiceName: "indexer", Hostname: "b", PID: 2, Status: StatusFailed},
		{LeaseID: "indexer@a", ServiceName: "indexer", Hostname: "a", PID: 1, Status: StatusRunning},
	}
	processes := map[string]HostProcessHeartbeat{
		"a_1": {Hostname: "a", PID: 1, Address: "10.0.0.1"},
		"b_2": {Hostname: "b", PID: 2, Address: "10.0.0.2"},
	}

	records := PlacementDNSRecords("Indexer", "svc.fleet.", 5, leases, processes)

	var a, txt []string
	for _, r := range records {
		assert.Equal(t, "indexer.svc.fleet", r.Domain)
		switch r.Type {
		case RecordTypeA:
			a = append(a, r.Value)
		case RecordTypeTXT:
			txt = append(txt, r.Value)
		}
	}
	assert.Equal(t, []string{"10.0.0.1"}, a, "只有Running租约的进程出现在A记录中")
	assert.Equal(t, []string{"host=a pid=1 status=Running", "host=b pid=2 status=Failed"}, txt)
}
