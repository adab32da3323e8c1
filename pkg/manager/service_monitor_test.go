package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/monitor"
	"github.com/hewenyu/svcfleet/pkg/storage"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
)

func TestHealthSummary(t *testing.T) {
	lease := func(status model.ServiceStatus) model.ServiceLease {
		return model.ServiceLease{Status: status}
	}

	assert.Equal(t, HealthNotRunning, HealthSummary(nil))
	assert.Equal(t, HealthHealthy, HealthSummary([]model.ServiceLease{lease(model.StatusRunning), lease(model.StatusRunning)}))
	assert.Equal(t, HealthFailing, HealthSummary([]model.ServiceLease{lease(model.StatusFailed)}))
	assert.Equal(t, "1/3 running", HealthSummary([]model.ServiceLease{
		lease(model.StatusRunning), lease(model.StatusStarting), lease(model.StatusFailed),
	}))
}

func putLease(t *testing.T, s storage.Store, id, service string, status model.ServiceStatus) {
	t.Helper()
	l := model.ServiceLease{
		LeaseID:       id,
		ServiceName:   service,
		Status:        status,
		HeartbeatTime: time.Now(),
		Hostname:      "render-01",
		PID:           1,
		Restriction:   model.SingleHostProcess,
	}
	require.NoError(t, s.Replace(context.Background(), storage.CollectionServiceLeases, id, l.ToDocument(), true))
}

func TestServiceMonitorEvents(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, CreateService(ctx, s, model.ServiceDescriptor{Name: "indexer", Active: true, ImplementationID: "Blocking"}))

	sm := NewServiceMonitor(s, "indexer", monitor.Options{Interval: time.Hour})

	var descChanges, descRemoved []DescriptorChange
	var added, removed, statusChanged []LeaseChange
	sm.DescriptorChanged.Subscribe(func(c DescriptorChange) { descChanges = append(descChanges, c) })
	sm.DescriptorRemoved.Subscribe(func(c DescriptorChange) { descRemoved = append(descRemoved, c) })
	sm.LeaseAdded.Subscribe(func(c LeaseChange) { added = append(added, c) })
	sm.LeaseRemoved.Subscribe(func(c LeaseChange) { removed = append(removed, c) })
	sm.LeaseStatusChanged.Subscribe(func(c LeaseChange) { statusChanged = append(statusChanged, c) })

	putLease(t, s, "indexer", "indexer", model.StatusStarting)
	putLease(t, s, "mailer", "mailer", model.StatusRunning)
	require.NoError(t, sm.Check(ctx))

	desc, ok := sm.Descriptor()
	require.True(t, ok)
	assert.True(t, desc.Active)
	require.Len(t, added, 1, "只跟踪本服务的租约")
	assert.Equal(t, "indexer", added[0].LeaseID)
	assert.Equal(t, HealthFailing, sm.Health())

	// 只有心跳时间变化不产生状态事件
	require.NoError(t, s.UpdateFields(ctx, storage.CollectionServiceLeases, "indexer", storage.Document{
		storage.FieldHeartbeatTime: time.Now().Add(time.Second),
	}))
	require.NoError(t, sm.Check(ctx))
	assert.Empty(t, statusChanged)

	require.NoError(t, s.UpdateFields(ctx, storage.CollectionServiceLeases, "indexer", storage.Document{"status": string(model.StatusRunning)}))
	require.NoError(t, s.UpdateFields(ctx, storage.CollectionServices, "indexer", storage.Document{"active": false}))
	require.NoError(t, sm.Check(ctx))

	require.Len(t, statusChanged, 1)
	assert.Equal(t, model.StatusStarting, statusChanged[0].Previous.Status)
	assert.Equal(t, model.StatusRunning, statusChanged[0].Current.Status)
	assert.Equal(t, HealthHealthy, sm.Health())
	require.Len(t, descChanges, 1)
	assert.True(t, descChanges[0].Previous.Active)
	assert.False(t, descChanges[0].Current.Active)

	require.NoError(t, s.Delete(ctx, storage.CollectionServiceLeases, "indexer"))
	require.NoError(t, s.Delete(ctx, storage.CollectionServices, "indexer"))
	require.NoError(t, sm.Check(ctx))

	require.Len(t, removed, 1)
	assert.Equal(t, model.StatusRunning, removed[0].Previous.Status)
	require.Len(t, descRemoved, 1)
	assert.Equal(t, HealthNotRunning, sm.Health())
}
