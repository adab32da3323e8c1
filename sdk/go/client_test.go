package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/internal/apihandler"
	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/service"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()

	registry := service.NewRegistry()
	registry.MustRegister(service.Implementation{
		ID: "Blocking",
		Factory: func(map[string]interface{}) (service.Service, error) {
			return service.ServiceFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}), nil
		},
	})

	mgr, err := manager.New(manager.Options{
		Store:    memory.NewMemoryStore(nil),
		Registry: registry,
		Identity: model.ProcessIdentity{Hostname: "render-01", PID: 42},
		Address:  "127.0.0.1",
		Supervisor: config.SupervisorConfig{
			HeartbeatInterval:    10 * time.Millisecond,
			PollInterval:         10 * time.Millisecond,
			DyingTimeout:         300 * time.Millisecond,
			FailureCooldown:      time.Minute,
			MaxHeartbeatFailures: 3,
			ShutdownTimeout:      2 * time.Second,
		},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))

	handler := apihandler.NewAPIHandler(&config.Config{}, config.NewNopLogger(), mgr, prometheus.NewRegistry())
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	client, err := NewClient(&Config{ServerAddr: strings.TrimPrefix(server.URL, "http://")})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.Error(t, err)

	c, err := NewClient(&Config{ServerAddr: "localhost:8080", Secure: true})
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:8080/health", c.buildURL("/health"))
	assert.Equal(t, 5*time.Second, c.config.Timeout, "未设置超时应使用默认值")
}

func TestClientServiceLifecycle(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "render-01_42", health.Process)

	require.NoError(t, client.CreateService(ctx, model.ServiceDescriptor{
		Name:             "indexer",
		Active:           true,
		ImplementationID: "Blocking",
	}))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	view, err := client.WaitForHealth(waitCtx, "indexer", manager.HealthHealthy, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, view.Leases, 1)
	assert.Equal(t, "render-01", view.Leases[0].Hostname)
	assert.Equal(t, model.StatusRunning, view.Leases[0].Status)

	services, err := client.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "indexer", services[0].Descriptor.Name)

	require.NoError(t, client.SetServiceActive(ctx, "indexer", false))
	waitCtx2, cancel2 := context.WithTimeout(ctx, 3*time.Second)
	defer cancel2()
	_, err = client.WaitForHealth(waitCtx2, "indexer", manager.HealthNotRunning, 10*time.Millisecond)
	require.NoError(t, err, "停用后服务应不再运行")

	hosts, err := client.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, model.HostStatusOnline, hosts[0].Status)

	processes, err := client.ListProcesses(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, processes)
}

func TestClientErrors(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	desc := model.ServiceDescriptor{Name: "indexer", ImplementationID: "Blocking"}
	require.NoError(t, client.CreateService(ctx, desc))

	err := client.CreateService(ctx, desc)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "重复创建应返回APIError")
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = client.GetService(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	err = client.SetServiceActive(ctx, "missing", true)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	err = client.RequestProcessClose(ctx, "render-09_1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
