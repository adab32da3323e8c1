package host

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
)

func TestProcessRegisterAndUnregister(t *testing.T) {
	clk := testclock.NewClock(t0)
	s := memory.NewMemoryStore(clk)
	ctx := context.Background()

	p := NewProcessController(s, model.ProcessIdentity{Hostname: "a", PID: 7}, "10.0.0.1", Options{Clock: clk})
	require.NoError(t, p.Register(ctx))
	assert.NotEmpty(t, p.InstanceID())

	doc, err := s.FindOne(ctx, storage.CollectionHostProcesses, "a_7")
	require.NoError(t, err)
	var rec model.HostProcessHeartbeat
	require.NoError(t, storage.Decode(doc, &rec))
	assert.Equal(t, "10.0.0.1", rec.Address)
	assert.Equal(t, p.InstanceID(), rec.InstanceID)
	assert.True(t, rec.HeartbeatTime.Equal(t0))

	require.NoError(t, p.Unregister(ctx))
	_, err = s.FindOne(ctx, storage.CollectionHostProcesses, "a_7")
	assert.True(t, storage.IsNotFound(err))
}

func TestProcessInstanceIDsAreUnique(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	a := NewProcessController(s, model.ProcessIdentity{Hostname: "a", PID: 7}, "", Options{})
	b := NewProcessController(s, model.ProcessIdentity{Hostname: "a", PID: 7}, "", Options{})
	assert.NotEqual(t, a.InstanceID(), b.InstanceID(), "PID复用时应能区分不同的进程实例")
}

func TestProcessReconcileTracksMembership(t *testing.T) {
	clk := testclock.NewClock(t0)
	s := memory.NewMemoryStore(clk)
	ctx := context.Background()
	opts := Options{Clock: clk, DyingTimeout: 5 * time.Second}

	a := NewProcessController(s, model.ProcessIdentity{Hostname: "a", PID: 1}, "", opts)
	b := NewProcessController(s, model.ProcessIdentity{Hostname: "b", PID: 2}, "", opts)

	var added, removed []string
	a.ProcessAdded.Subscribe(func(p model.HostProcessHeartbeat) { added = append(added, p.ID()) })
	a.ProcessRemoved.Subscribe(func(p model.HostProcessHeartbeat) { removed = append(removed, p.ID()) })

	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))
	require.NoError(t, a.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"a_1", "b_2"}, added)
	assert.Len(t, a.Processes(), 2)

	// b停止心跳；a继续心跳，心跳写入会刷新缓存中的a记录
	clk.Advance(5 * time.Second)
	require.NoError(t, a.SignalHeartbeat(ctx))
	require.NoError(t, a.Reconcile(ctx))

	assert.Equal(t, []string{"b_2"}, removed, "心跳过期的进程应被移除")
	_, err := s.FindOne(ctx, storage.CollectionHostProcesses, "b_2")
	assert.True(t, storage.IsNotFound(err), "过期的进程记录应被删除")
	assert.Len(t, a.Processes(), 1)
}

func TestProcessCloseRequested(t *testing.T) {
	clk := testclock.NewClock(t0)
	s := memory.NewMemoryStore(clk)
	ctx := context.Background()

	p := NewProcessController(s, model.ProcessIdentity{Hostname: "a", PID: 7}, "", Options{Clock: clk})
	var requests []model.HostProcessHeartbeat
	p.CloseRequested.Subscribe(func(rec model.HostProcessHeartbeat) { requests = append(requests, rec) })

	require.NoError(t, p.Register(ctx))
	require.NoError(t, p.Reconcile(ctx))
	assert.Empty(t, requests)

	err := RequestClose(ctx, s, "b_8")
	assert.True(t, storage.IsNotFound(err), "不存在的进程应返回NotFound")

	require.NoError(t, RequestClose(ctx, s, "a_7"))

	// 心跳不会清除关闭请求
	require.NoError(t, p.SignalHeartbeat(ctx))
	require.NoError(t, p.Reconcile(ctx))
	require.Len(t, requests, 1)
	assert.True(t, requests[0].CloseRequested)
	assert.Equal(t, "a_7", requests[0].ID())

	// 只通知一次
	require.NoError(t, p.Reconcile(ctx))
	assert.Len(t, requests, 1)
}
