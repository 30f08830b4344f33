package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/config"
)

// Manager 管理单个 HTTP(S) 监听器的生命周期
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Config 服务器配置
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	// 两者均设置时以 TLS 启动
	TLSCertFile string
	TLSKeyFile  string
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom 由服务配置派生 API 监听器配置
func ConfigFrom(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", sc.HTTPPort)
	if sc.ReadTimeout > 0 {
		cfg.ReadTimeout = sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		cfg.WriteTimeout = sc.WriteTimeout
	}
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	cfg.TLSCertFile = sc.TLSCertFile
	cfg.TLSKeyFile = sc.TLSKeyFile
	return cfg
}

// TLSEnabled 是否以 HTTPS 启动
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// HardenedTLSConfig 返回 TLS 1.2+、仅 AEAD 密码套件的配置
func HardenedTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(logger),
	}
	if cfg.TLSEnabled() {
		srv.TLSConfig = HardenedTLSConfig()
	}
	return &Manager{
		server: srv,
		errCh:  make(chan error, 1),
		config: cfg,
		logger: logger.With(zap.String("component", "http_server"), zap.String("addr", cfg.Addr)),
	}
}

// Start 非阻塞启动；配置了证书时以 HTTPS 服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("server is closed")
	}
	if m.listener != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln

	if m.config.TLSEnabled() {
		m.logger.Info("starting HTTPS server", zap.String("listen", ln.Addr().String()))
		go m.serve(func() error { return m.server.ServeTLS(ln, m.config.TLSCertFile, m.config.TLSKeyFile) })
	} else {
		m.logger.Info("starting HTTP server", zap.String("listen", ln.Addr().String()))
		go m.serve(func() error { return m.server.Serve(ln) })
	}
	return nil
}

func (m *Manager) serve(run func() error) {
	if err := run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Run 启动服务器并阻塞，直到 ctx 结束或服务异常退出，随后优雅关闭
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-m.errCh:
	}
	if err := m.Shutdown(context.Background()); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// Shutdown 在 ShutdownTimeout 内排空请求
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.listener == nil {
		return nil
	}

	timeout := m.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// Errors 返回异步服务错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
