package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/api/handlers"
	"github.com/BaSui01/fleetflow/config"
	"github.com/BaSui01/fleetflow/internal/eventbus"
	"github.com/BaSui01/fleetflow/internal/metrics"
	"github.com/BaSui01/fleetflow/internal/server"
	"github.com/BaSui01/fleetflow/internal/telemetry"
	"github.com/BaSui01/fleetflow/orchestrator"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装编排运行时、存储、事件总线和 HTTP 服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	backends  *backends
	embedded  *eventbus.Embedded
	bus       *eventbus.Bus

	registry *orchestrator.Registry
	runtime  *orchestrator.Runtime
	watcher  *config.FileWatcher

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台任务（限流清理、连接池指标）
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化各组件并启动监听。失败时已创建的资源会被释放。
func (s *Server) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = s.Shutdown(context.Background())
		}
	}()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// 1. 遥测
	s.telemetry, err = telemetry.Init(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry disabled", zap.Error(err))
		s.telemetry, err = &telemetry.Providers{}, nil
	}

	// 2. 指标
	s.collector = metrics.NewCollector("fleetflow", s.logger)

	// 3. 存储
	if s.backends, err = openBackends(ctx, s.cfg, s.logger); err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	if s.backends.db != nil {
		s.wg.Add(1)
		go s.reportDBStats(bgCtx)
	}

	// 4. 事件总线
	if err := s.initEventBus(); err != nil {
		return err
	}

	// 5. 定义与运行时
	if err := s.initRuntime(); err != nil {
		return err
	}

	// 6. HTTP
	handler, err := s.buildHandler(bgCtx)
	if err != nil {
		return err
	}
	s.httpManager = server.NewManager(handler, server.ConfigFrom(s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mcfg := server.DefaultConfig()
		mcfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
		s.metricsManager = server.NewManager(mux, mcfg, s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	s.logger.Info("fleetflow ready",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Strings("fleets", s.registry.FleetNames()),
		zap.Strings("workflows", s.registry.WorkflowNames()),
	)
	return nil
}

func (s *Server) initEventBus() error {
	nc := s.cfg.NATS
	if !nc.Enabled {
		return nil
	}
	url := nc.URL
	if nc.Embedded {
		emb, err := eventbus.StartEmbedded(eventbus.EmbeddedConfig{
			Host:    "127.0.0.1",
			Port:    nc.EmbeddedPort,
			DataDir: nc.DataDir,
		})
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		s.embedded = emb
		url = emb.ClientURL()
		s.logger.Info("embedded nats started", zap.String("url", url))
	}

	bus, err := eventbus.Connect(eventbus.Config{
		URL:           url,
		Name:          "fleetflow",
		SubjectPrefix: nc.SubjectPrefix,
		MaxReconnects: nc.MaxReconnects,
		ReconnectWait: nc.ReconnectWait,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	s.bus = bus
	return nil
}

func (s *Server) initRuntime() error {
	s.registry = orchestrator.NewRegistry(nil, s.logger)
	registerBuiltinCapabilities(s.registry)

	rc := s.cfg.Runtime
	if rc.DefinitionsPath != "" {
		if err := s.registry.LoadFile(rc.DefinitionsPath); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		if rc.WatchDefinitions {
			if err := s.watchDefinitions(rc.DefinitionsPath); err != nil {
				return err
			}
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(s.logger),
		orchestrator.WithMetrics(s.collector),
		orchestrator.WithCheckpointStore(s.backends.checkpoints),
		orchestrator.WithApprovalStore(s.backends.approvals),
		orchestrator.WithRetention(rc.Retention),
		orchestrator.WithSweepInterval(rc.SweepInterval),
	}
	if s.backends.blackboard != nil {
		opts = append(opts, orchestrator.WithBlackboard(s.backends.blackboard))
	}
	if s.bus != nil {
		opts = append(opts, orchestrator.WithEventPublisher(s.bus))
	}
	s.runtime = orchestrator.NewRuntime(s.registry, opts...)
	return nil
}

// watchDefinitions 定义文件变更后重新加载。已登记的同名定义被替换，运行中的 run 不受影响。
func (s *Server) watchDefinitions(path string) error {
	w, err := config.NewFileWatcher([]string{path}, config.WithWatcherLogger(s.logger))
	if err != nil {
		return fmt.Errorf("watch definitions: %w", err)
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			s.logger.Warn("definitions file removed; keeping loaded definitions", zap.String("path", ev.Path))
			return
		}
		if err := s.registry.LoadFile(ev.Path); err != nil {
			s.logger.Error("reload definitions failed", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		s.logger.Info("definitions reloaded", zap.String("path", ev.Path))
	})
	if err := w.Start(context.Background()); err != nil {
		return fmt.Errorf("watch definitions: %w", err)
	}
	s.watcher = w
	return nil
}

func (s *Server) buildHandler(ctx context.Context) (http.Handler, error) {
	health := handlers.NewHealthHandler(s.logger)
	if s.backends.redis != nil {
		health.RegisterCheck(handlers.NewFuncCheck("redis", func(ctx context.Context) error {
			return s.backends.redis.Ping(ctx).Err()
		}))
	}
	if s.backends.db != nil {
		health.RegisterCheck(handlers.NewFuncCheck("database", s.backends.db.Ping))
	}
	if s.bus != nil {
		health.RegisterCheck(handlers.NewFuncCheck("nats", func(context.Context) error {
			if !s.bus.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	handlers.NewRunHandler(s.runtime, s.registry, s.logger).Register(mux)

	return s.middleware(ctx, mux)
}

// middleware 组装中间件链，顺序即执行顺序
func (s *Server) middleware(ctx context.Context, h http.Handler) (http.Handler, error) {
	sc := s.cfg.Server
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	if s.cfg.Auth.Enabled() {
		auth, err := JWTAuth(s.cfg.Auth, s.logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, auth)
	} else {
		s.logger.Warn("authentication disabled")
	}
	if sc.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger))
	}
	return Chain(h, chain...), nil
}

func (s *Server) reportDBStats(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.backends.db.Stats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
		}
	}
}

// =============================================================================
// 🛑 运行与关闭
// =============================================================================

// Run 启动服务并阻塞到 ctx 结束或监听器异常退出
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	var metricsErrs <-chan error
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case serveErr = <-s.httpManager.Errors():
		s.logger.Error("http server failed", zap.Error(serveErr))
	case serveErr = <-metricsErrs:
		s.logger.Error("metrics server failed", zap.Error(serveErr))
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return multierr.Append(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown 先停止接收请求，再暂停运行中的工作流，最后释放存储和连接
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	s.shutdownOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.httpManager != nil {
			errs = multierr.Append(errs, s.httpManager.Shutdown(ctx))
		}
		if s.runtime != nil {
			errs = multierr.Append(errs, s.runtime.Close(ctx))
		}
		if s.metricsManager != nil {
			errs = multierr.Append(errs, s.metricsManager.Shutdown(ctx))
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.bus != nil {
			_ = s.bus.Flush(ctx)
			errs = multierr.Append(errs, s.bus.Close())
		}
		if s.embedded != nil {
			s.embedded.Close()
		}
		if s.backends != nil {
			errs = multierr.Append(errs, s.backends.Close())
		}
		if s.telemetry != nil {
			errs = multierr.Append(errs, s.telemetry.Shutdown(ctx))
		}
	})
	return errs
}
