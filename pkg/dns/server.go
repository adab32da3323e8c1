package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// ServerOptions DNS服务器参数
type ServerOptions struct {
	ListenAddress string
	Port          int
	// Protocol 可选 "udp"、"tcp" 或 "both"
	Protocol string
	Domain   string
	TTL      uint32
	// RefreshInterval 记录刷新间隔，默认等于TTL
	RefreshInterval time.Duration
	Clock           clock.Clock
	Logger          config.Logger
}

// OptionsFromConfig 从应用配置构造DNS服务器参数
func OptionsFromConfig(cfg *config.Config, logger config.Logger) ServerOptions {
	return ServerOptions{
		ListenAddress: cfg.DNS.ListenAddress,
		Port:          cfg.DNS.Port,
		Protocol:      cfg.DNS.Protocol,
		Domain:        cfg.DNS.Domain,
		TTL:           cfg.DNS.TTL,
		Logger:        logger,
	}
}

// Server DNS服务器
type Server struct {
	opts          ServerOptions
	handler       *Handler
	recordManager *RecordManager
	cache         *DNSCache
	logger        config.Logger

	udpServer *dns.Server
	tcpServer *dns.Server
	udpAddr   net.Addr
	tcpAddr   net.Addr

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer 创建DNS服务器
func NewServer(opts ServerOptions, store storage.Store) (*Server, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("DNS域不能为空")
	}
	switch opts.Protocol {
	case "":
		opts.Protocol = "udp"
	case "udp", "tcp", "both":
	default:
		return nil, fmt.Errorf("不支持的DNS协议: %s", opts.Protocol)
	}
	if opts.TTL == 0 {
		opts.TTL = 5
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Duration(opts.TTL) * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}

	recordManager := NewRecordManager(store, opts.Domain, opts.TTL)
	cache := NewDNSCache(opts.RefreshInterval, opts.Clock)

	return &Server{
		opts:          opts,
		handler:       NewHandler(recordManager, cache, opts.Logger),
		recordManager: recordManager,
		cache:         cache,
		logger:        opts.Logger.With(zap.String("component", "dns")),
	}, nil
}

// Start 加载记录、绑定端口并在后台提供服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return fmt.Errorf("刷新DNS记录失败: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.opts.ListenAddress, s.opts.Port)
	if s.opts.Protocol == "udp" || s.opts.Protocol == "both" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("监听DNS UDP端口失败: %w", err)
		}
		s.udpAddr = pc.LocalAddr()
		s.udpServer = &dns.Server{PacketConn: pc, Handler: s.handler}
		s.serve("udp", s.udpServer)
	}
	if s.opts.Protocol == "tcp" || s.opts.Protocol == "both" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("监听DNS TCP端口失败: %w", err)
		}
		s.tcpAddr = l.Addr()
		s.tcpServer = &dns.Server{Listener: l, Handler: s.handler}
		s.serve("tcp", s.tcpServer)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refreshLoop(ctx)
	}()

	s.logger.Info("DNS服务器已启动", zap.String("address", addr), zap.String("domain", s.recordManager.Domain()))
	return nil
}

// serve 在后台提供服务，返回前等待服务器进入运行状态
func (s *Server) serve(network string, srv *dns.Server) {
	started := make(chan struct{})
	var once sync.Once
	srv.NotifyStartedFunc = func() { once.Do(func() { close(started) }) }

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS服务器退出", zap.String("network", network), zap.Error(err))
		}
		once.Do(func() { close(started) })
	}()
	<-started
}

func (s *Server) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	if err := s.recordManager.RefreshRecords(ctx); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(s.opts.RefreshInterval):
		}
		if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("刷新DNS记录失败", zap.Error(err))
		}
	}
}

// UDPAddr 返回实际监听的UDP地址，未监听时为nil
func (s *Server) UDPAddr() net.Addr {
	return s.udpAddr
}

// TCPAddr 返回实际监听的TCP地址，未监听时为nil
func (s *Server) TCPAddr() net.Addr {
	return s.tcpAddr
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			s.logger.Warn("关闭DNS UDP服务器失败", zap.Error(err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			s.logger.Warn("关闭DNS TCP服务器失败", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.logger.Info("DNS服务器已关闭")
	return nil
}
