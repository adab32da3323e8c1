package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/svcfleet/internal/apihandler"
	"github.com/hewenyu/svcfleet/pkg/builtin"
	"github.com/hewenyu/svcfleet/pkg/dns"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/metrics"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/service"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动本进程的服务管理器",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
}

func run(opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	hostname, err := cfg.ResolveHostname()
	if err != nil {
		return err
	}
	identity := model.ProcessIdentity{Hostname: hostname, PID: os.Getpid()}

	logger.Info("svcfleet 正在启动",
		zap.String("process", identity.String()),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("dns", cfg.DNS.Enabled),
	)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("连接共享存储失败: %w", err)
	}
	defer store.Close()

	registry := service.NewRegistry()
	if err := builtin.Register(registry, logger); err != nil {
		return err
	}

	collector := metrics.NewCollector()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := manager.New(manager.Options{
		Store:      store,
		Registry:   registry,
		Identity:   identity,
		Address:    cfg.Host.Address,
		Supervisor: cfg.Supervisor,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 被其他进程请求关闭时和收到信号一样退出
	mgr.Events.CloseRequested.Subscribe(func(model.HostProcessHeartbeat) { stop() })

	if err := mgr.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
		return fmt.Errorf("启动服务管理器失败: %w", err)
	}

	var api *apihandler.EchoHandler
	if cfg.API.Enabled {
		api = apihandler.NewAPIHandler(cfg, logger, mgr, promRegistry)
		if err := api.Start(); err != nil {
			logger.Error("启动管理API失败", zap.Error(err))
		}
	}

	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer, err = dns.NewServer(dns.OptionsFromConfig(cfg, logger), store)
		if err == nil {
			err = dnsServer.Start(ctx)
		}
		if err != nil {
			logger.Error("启动DNS服务失败", zap.Error(err))
			dnsServer = nil
		}
	}

	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	if api != nil {
		g.Go(func() error { return api.Shutdown(shutdownCtx) })
	}
	if dnsServer != nil {
		g.Go(dnsServer.Stop)
	}
	g.Go(func() error { return mgr.Shutdown(shutdownCtx) })

	if err := g.Wait(); err != nil {
		logger.Warn("关闭过程中出现错误", zap.Error(err))
		return err
	}
	logger.Info("svcfleet 已退出")
	return nil
}
