package etcd

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/svcfleet/pkg/storage"
)

func TestClient_GetDocumentKey(t *testing.T) {
	client := newClient(nil, "/svcfleet/")

	assert.Equal(t, "/svcfleet/service_leases/", client.GetCollectionPrefix("service_leases"))
	assert.Equal(t, "/svcfleet/service_leases/indexer@a", client.GetDocumentKey("service_leases", "indexer@a"))
}

func TestClient_DefaultPrefix(t *testing.T) {
	client := newClient(nil, "")
	assert.Equal(t, "/svcfleet/hosts/a", client.GetDocumentKey("hosts", "a"))
}

func TestNewClient_ConfigValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err, "没有地址的配置应返回错误")
}

func TestTTLSeconds(t *testing.T) {
	assert.Equal(t, int64(5), ttlSeconds(5*time.Second))
	assert.Equal(t, int64(2), ttlSeconds(1500*time.Millisecond), "不足1秒的部分向上取整")
	assert.Equal(t, int64(1), ttlSeconds(100*time.Millisecond))
}

// newIntegrationStore 连接真实etcd，未设置 SVCFLEET_ETCD_ENDPOINTS 时跳过
func newIntegrationStore(t *testing.T) *EtcdStore {
	t.Helper()
	if testing.Short() {
		t.Skip("短测试模式下跳过etcd集成测试")
	}
	endpoints := os.Getenv("SVCFLEET_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("未设置 SVCFLEET_ETCD_ENDPOINTS，跳过etcd集成测试")
	}

	client, err := NewClient(ClientConfig{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		Prefix:      "/svcfleet-test-" + time.Now().Format("150405.000000"),
	})
	require.NoError(t, err, "连接etcd失败")

	s := NewEtcdStore(client)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.GetClient().Delete(ctx, client.prefix, clientv3.WithPrefix())
		s.Close()
	})
	return s
}

func TestEtcdStore_InsertIfAbsentConflict(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertIfAbsent(ctx, storage.CollectionServiceLeases, "indexer", storage.Document{"pid": i})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.True(t, storage.IsAlreadyExists(err), "失败的插入只能是主键冲突")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "只能有一个插入成功")
}

func TestEtcdStore_FieldsAndIncrement(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	err := s.UpdateFields(ctx, storage.CollectionHosts, "a", storage.Document{"status": "Online"})
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, s.UpsertFields(ctx, storage.CollectionHosts, "a", storage.Document{"status": "Online"}))
	n, err := s.Increment(ctx, storage.CollectionHosts, "a", "instances", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	doc, err := s.FindOne(ctx, storage.CollectionHosts, "a")
	require.NoError(t, err)
	assert.Equal(t, "Online", doc["status"])
	assert.Equal(t, float64(2), doc["instances"])

	all, err := s.FindAll(ctx, storage.CollectionHosts, storage.Filter{"status": "Online"})
	require.NoError(t, err)
	assert.Contains(t, all, "a")

	require.NoError(t, s.Delete(ctx, storage.CollectionHosts, "a"))
	require.NoError(t, s.Delete(ctx, storage.CollectionHosts, "a"))
}

func TestEtcdStore_TTLExpiry(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureTTL(ctx, storage.CollectionServiceLeases, storage.FieldHeartbeatTime, time.Second))
	require.NoError(t, s.InsertIfAbsent(ctx, storage.CollectionServiceLeases, "indexer", storage.Document{
		storage.FieldHeartbeatTime: time.Now(),
	}))

	assert.Eventually(t, func() bool {
		_, err := s.FindOne(ctx, storage.CollectionServiceLeases, "indexer")
		return storage.IsNotFound(err)
	}, 10*time.Second, 200*time.Millisecond, "未续约的租约应被etcd清理")
}
