package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
)

// Config SDK客户端配置
type Config struct {
	// 管理API地址，形如 host:port
	ServerAddr string `json:"server_addr"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// API Token（认证使用）
	ApiToken string `json:"api_token"`
}

// Client svcfleet管理API客户端
type Client struct {
	config     *Config
	httpClient *http.Client
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 管理API返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
}

// 发送HTTP请求，out非nil时把data字段解码到out
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.ApiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Process   string   `json:"process"`
	Leases    []string `json:"leases"`
}

// Health 查询管理进程的健康状态和它持有的租约
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/health"), nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "健康检查失败"}
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &status, nil
}

// ListServices 获取全部服务视图
func (c *Client) ListServices(ctx context.Context) ([]manager.ServiceView, error) {
	var data struct {
		Services []manager.ServiceView `json:"services"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/services", nil, &data); err != nil {
		return nil, err
	}
	return data.Services, nil
}

// GetService 获取单个服务视图
func (c *Client) GetService(ctx context.Context, name string) (*manager.ServiceView, error) {
	var view manager.ServiceView
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/services/"+url.PathEscape(name), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CreateService 创建服务定义
func (c *Client) CreateService(ctx context.Context, desc model.ServiceDescriptor) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/services", desc, nil)
}

// SetServiceActive 启用或停用服务
func (c *Client) SetServiceActive(ctx context.Context, name string, active bool) error {
	body := map[string]bool{"active": active}
	return c.doRequest(ctx, http.MethodPut, "/api/v1/services/"+url.PathEscape(name)+"/active", body, nil)
}

// ListHosts 获取全部主机记录
func (c *Client) ListHosts(ctx context.Context) ([]model.HostHeartbeat, error) {
	var data struct {
		Hosts []model.HostHeartbeat `json:"hosts"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/hosts", nil, &data); err != nil {
		return nil, err
	}
	return data.Hosts, nil
}

// ListProcesses 获取存活的主机进程
func (c *Client) ListProcesses(ctx context.Context) ([]model.HostProcessHeartbeat, error) {
	var data struct {
		Processes []model.HostProcessHeartbeat `json:"processes"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/processes", nil, &data); err != nil {
		return nil, err
	}
	return data.Processes, nil
}

// RequestProcessClose 请求某个主机进程停止服务并退出，processID形如 hostname_pid
func (c *Client) RequestProcessClose(ctx context.Context, processID string) error {
	return c.doRequest(ctx, http.MethodPut, "/api/v1/processes/"+url.PathEscape(processID)+"/close", nil, nil)
}

// WaitForHealth 轮询直到服务的健康摘要等于want或ctx结束
func (c *Client) WaitForHealth(ctx context.Context, name, want string, interval time.Duration) (*manager.ServiceView, error) {
	for {
		view, err := c.GetService(ctx, name)
		if err == nil && view.Health == want {
			return view, nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return nil, err
			}
			return view, fmt.Errorf("等待服务 %s 变为 %s 超时，当前为 %s: %w", name, want, view.Health, ctx.Err())
		case <-time.After(interval):
		}
	}
}
