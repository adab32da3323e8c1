package apihandler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// Backend 管理API依赖的服务管理器能力
type Backend interface {
	Identity() model.ProcessIdentity
	Services() []manager.ServiceView
	Service(name string) (manager.ServiceView, bool)
	CreateService(ctx context.Context, desc model.ServiceDescriptor) error
	SetServiceActive(ctx context.Context, name string, active bool) error
	Hosts(ctx context.Context) ([]model.HostHeartbeat, error)
	Processes() []model.HostProcessHeartbeat
	RequestProcessClose(ctx context.Context, processID string) error
	OwnedLeases() []string
}

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ActiveRequest 启用或停用服务的请求
type ActiveRequest struct {
	Active *bool `json:"active"`
}

// Handler 定义API处理器接口
type Handler interface {
	// Start 启动管理API服务
	Start() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server   *echo.Echo
	cfg      *config.Config
	logger   config.Logger
	backend  Backend
	gatherer prometheus.Gatherer
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, backend Backend, gatherer prometheus.Gatherer) *EchoHandler {
	h := &EchoHandler{
		server:   echo.New(),
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		gatherer: gatherer,
	}
	h.server.HideBanner = true
	h.server.HidePort = true

	h.server.Use(middleware.Recover())
	h.server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	h.registerRoutes()
	return h
}

// Start 启动管理API服务（非阻塞）
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.API.ListenAddress, h.cfg.API.Port)
	h.logger.Info("启动管理API服务", zap.String("address", addr))

	go func() {
		if err := h.server.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭管理API服务出错", zap.Error(err))
		return err
	}
	return nil
}

// ServeHTTP 便于测试直接调用路由
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// registerRoutes 注册管理API路由
func (h *EchoHandler) registerRoutes() {
	h.server.GET("/health", h.healthHandler)

	if h.gatherer != nil {
		h.server.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := h.server.Group("/api/v1")

	services := api.Group("/services")
	services.GET("", h.listServicesHandler)
	services.POST("", h.createServiceHandler)
	services.GET("/:name", h.getServiceHandler)
	services.PUT("/:name/active", h.setActiveHandler)

	api.GET("/hosts", h.listHostsHandler)
	api.GET("/processes", h.listProcessesHandler)
	api.PUT("/processes/:id/close", h.closeProcessHandler)
}

func (h *EchoHandler) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"process":   h.backend.Identity().String(),
		"leases":    h.backend.OwnedLeases(),
	})
}

func (h *EchoHandler) listServicesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    map[string]interface{}{"services": h.backend.Services()},
	})
}

func (h *EchoHandler) getServiceHandler(c echo.Context) error {
	name := c.Param("name")
	view, ok := h.backend.Service(name)
	if !ok {
		return c.JSON(http.StatusNotFound, ApiResponse{
			Code:    http.StatusNotFound,
			Message: fmt.Sprintf("服务 %s 不存在", name),
		})
	}
	return c.JSON(http.StatusOK, ApiResponse{Code: http.StatusOK, Message: "success", Data: view})
}

func (h *EchoHandler) createServiceHandler(c echo.Context) error {
	var desc model.ServiceDescriptor
	if err := c.Bind(&desc); err != nil {
		return c.JSON(http.StatusBadRequest, ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "请求参数无效: " + err.Error(),
		})
	}

	if err := h.backend.CreateService(c.Request().Context(), desc); err != nil {
		return h.storageError(c, "创建服务失败", err)
	}

	h.logger.Info("服务已创建", zap.String("service", desc.Name), zap.String("implementation", desc.ImplementationID))
	return c.JSON(http.StatusCreated, ApiResponse{Code: http.StatusCreated, Message: "success", Data: desc})
}

func (h *EchoHandler) setActiveHandler(c echo.Context) error {
	name := c.Param("name")
	var req ActiveRequest
	if err := c.Bind(&req); err != nil || req.Active == nil {
		return c.JSON(http.StatusBadRequest, ApiResponse{
			Code:    http.StatusBadRequest,
			Message: "请求体必须包含active字段",
		})
	}

	if err := h.backend.SetServiceActive(c.Request().Context(), name, *req.Active); err != nil {
		return h.storageError(c, "修改服务状态失败", err)
	}

	h.logger.Info("服务启用状态已修改", zap.String("service", name), zap.Bool("active", *req.Active))
	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    map[string]interface{}{"name": name, "active": *req.Active},
	})
}

func (h *EchoHandler) listHostsHandler(c echo.Context) error {
	hosts, err := h.backend.Hosts(c.Request().Context())
	if err != nil {
		return h.storageError(c, "获取主机列表失败", err)
	}
	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    map[string]interface{}{"hosts": hosts},
	})
}

func (h *EchoHandler) listProcessesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    map[string]interface{}{"processes": h.backend.Processes()},
	})
}

func (h *EchoHandler) closeProcessHandler(c echo.Context) error {
	id := c.Param("id")
	if err := h.backend.RequestProcessClose(c.Request().Context(), id); err != nil {
		return h.storageError(c, "请求进程关闭失败", err)
	}

	h.logger.Info("已请求进程关闭", zap.String("process", id))
	return c.JSON(http.StatusAccepted, ApiResponse{
		Code:    http.StatusAccepted,
		Message: "success",
		Data:    map[string]interface{}{"process": id},
	})
}

// storageError 把存储层错误映射为HTTP状态码
func (h *EchoHandler) storageError(c echo.Context, prefix string, err error) error {
	code := http.StatusInternalServerError
	switch {
	case storage.IsNotFound(err):
		code = http.StatusNotFound
	case storage.IsAlreadyExists(err):
		code = http.StatusConflict
	case storage.IsInvalidArgument(err):
		code = http.StatusBadRequest
	default:
		h.logger.Error(prefix, zap.Error(err))
	}
	return c.JSON(code, ApiResponse{Code: code, Message: prefix + ": " + err.Error()})
}
