package apihandler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// fakeBackend 以内存中的服务定义实现Backend
type fakeBackend struct {
	services       map[string]model.ServiceDescriptor
	hosts          []model.HostHeartbeat
	closeRequested []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		services: map[string]model.ServiceDescriptor{
			"indexer": {Name: "indexer", Active: true, ImplementationID: "Command"},
		},
		hosts: []model.HostHeartbeat{{Hostname: "render-01", Status: model.HostStatusOnline, Instances: 1}},
	}
}

func (f *fakeBackend) Identity() model.ProcessIdentity {
	return model.ProcessIdentity{Hostname: "render-01", PID: 42}
}

func (f *fakeBackend) Services() []manager.ServiceView {
	var out []manager.ServiceView
	for _, d := range f.services {
		out = append(out, manager.ServiceView{Descriptor: d, Health: manager.HealthNotRunning})
	}
	return out
}

func (f *fakeBackend) Service(name string) (manager.ServiceView, bool) {
	d, ok := f.services[name]
	if !ok {
		return manager.ServiceView{}, false
	}
	return manager.ServiceView{
		Descriptor: d,
		Leases:     []model.ServiceLease{{LeaseID: name, ServiceName: name, Status: model.StatusRunning}},
		Health:     manager.HealthHealthy,
	}, true
}

func (f *fakeBackend) CreateService(ctx context.Context, desc model.ServiceDescriptor) error {
	if desc.Name == "" || desc.ImplementationID == "" {
		return storage.NewInvalidArgumentError("服务名和实现ID不能为空")
	}
	if _, ok := f.services[desc.Name]; ok {
		return storage.NewAlreadyExistsError("服务已存在")
	}
	f.services[desc.Name] = desc
	return nil
}

func (f *fakeBackend) SetServiceActive(ctx context.Context, name string, active bool) error {
	d, ok := f.services[name]
	if !ok {
		return storage.NewNotFoundError("服务不存在")
	}
	d.Active = active
	f.services[name] = d
	return nil
}

func (f *fakeBackend) Hosts(ctx context.Context) ([]model.HostHeartbeat, error) {
	return f.hosts, nil
}

func (f *fakeBackend) Processes() []model.HostProcessHeartbeat {
	return []model.HostProcessHeartbeat{{Hostname: "render-01", PID: 42, Address: "10.0.0.1"}}
}

func (f *fakeBackend) RequestProcessClose(ctx context.Context, processID string) error {
	if processID != "render-01_42" {
		return storage.NewNotFoundError("进程不存在")
	}
	f.closeRequested = append(f.closeRequested, processID)
	return nil
}

func (f *fakeBackend) OwnedLeases() []string {
	return []string{"indexer"}
}

func newTestHandler(t *testing.T) (*EchoHandler, *fakeBackend) {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.ListenAddress = "localhost"
	cfg.API.Port = 8080

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "svcfleet_test_total", Help: "test"}))

	backend := newFakeBackend()
	return NewAPIHandler(cfg, config.NewNopLogger(), backend, reg), backend
}

func do(h *EchoHandler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "render-01_42", response["process"])
	assert.Contains(t, response, "timestamp")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svcfleet_test_total")
}

func TestListAndGetServices(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodGet, "/api/v1/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"implementation_id":"Command"`)

	rec = do(h, http.MethodGet, "/api/v1/services/indexer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data manager.ServiceView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, manager.HealthHealthy, resp.Data.Health)
	require.Len(t, resp.Data.Leases, 1)

	rec = do(h, http.MethodGet, "/api/v1/services/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "不存在的服务应返回404")
}

func TestCreateService(t *testing.T) {
	h, backend := newTestHandler(t)

	rec := do(h, http.MethodPost, "/api/v1/services", `{"name":"mailer","active":true,"implementation_id":"Ticker","config":{"interval":"1s"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created, ok := backend.services["mailer"]
	require.True(t, ok)
	assert.True(t, created.Active)
	assert.Equal(t, "1s", created.Config["interval"])

	rec = do(h, http.MethodPost, "/api/v1/services", `{"name":"mailer","implementation_id":"Ticker"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "重复创建应返回409")

	rec = do(h, http.MethodPost, "/api/v1/services", `{"name":"broken"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "缺少实现ID应返回400")

	rec = do(h, http.MethodPost, "/api/v1/services", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetServiceActive(t *testing.T) {
	h, backend := newTestHandler(t)

	rec := do(h, http.MethodPut, "/api/v1/services/indexer/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, backend.services["indexer"].Active)

	rec = do(h, http.MethodPut, "/api/v1/services/indexer/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "缺少active字段应返回400")

	rec = do(h, http.MethodPut, "/api/v1/services/missing/active", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHostsAndProcesses(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodGet, "/api/v1/hosts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"render-01"`)

	rec = do(h, http.MethodGet, "/api/v1/processes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"10.0.0.1"`)
}

func TestCloseProcess(t *testing.T) {
	h, backend := newTestHandler(t)

	rec := do(h, http.MethodPut, "/api/v1/processes/render-01_42/close", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"render-01_42"}, backend.closeRequested)

	rec = do(h, http.MethodPut, "/api/v1/processes/render-02_7/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "不存在的进程应返回404")
}

func TestShutdown(t *testing.T) {
	h, _ := newTestHandler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, h.Shutdown(ctx))
}
