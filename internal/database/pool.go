package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/fleetflow/config"
)

// Pool 持有 GORM 实例及其底层 sql.DB，供 GormCheckpointStore 使用
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// PoolOption 配置 Pool
type PoolOption func(*poolOptions)

type poolOptions struct {
	healthInterval time.Duration
}

// WithHealthCheck 启用后台探活；interval <= 0 表示关闭
func WithHealthCheck(interval time.Duration) PoolOption {
	return func(o *poolOptions) { o.healthInterval = interval }
}

// Dialector 按驱动名构造 GORM dialector
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN()), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN()), nil
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
}

// Open 连接数据库并应用连接池配置
func Open(cfg config.DatabaseConfig, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return NewPool(db, cfg, logger, opts...)
}

// NewPool 包装已打开的 db
func NewPool(db *gorm.DB, cfg config.DatabaseConfig, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := poolOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if o.healthInterval > 0 {
		go p.healthLoop(o.healthInterval)
	} else {
		close(p.done)
	}

	p.logger.Info("database connected",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return p, nil
}

// DB 返回 GORM 实例
func (p *Pool) DB() *gorm.DB { return p.db }

// Ping 检查连接
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("pool is closed")
	}
	return p.sqlDB.PingContext(ctx)
}

// Stats 返回 database/sql 连接池统计
func (p *Pool) Stats() sql.DBStats { return p.sqlDB.Stats() }

// Close 停止探活并关闭连接，可重复调用
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	<-p.done
	p.logger.Info("closing database pool")
	return p.sqlDB.Close()
}

func (p *Pool) healthLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.sqlDB.PingContext(ctx)
		cancel()
		if err != nil {
			p.logger.Error("database health check failed", zap.Error(err))
			continue
		}
		stats := p.sqlDB.Stats()
		p.logger.Debug("database health check passed",
			zap.Int("open_connections", stats.OpenConnections),
			zap.Int("in_use", stats.InUse),
			zap.Int("idle", stats.Idle),
		)
	}
}

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn
func (p *Pool) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("pool is closed")
	}
	return p.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 对死锁、序列化失败等错误以指数退避重试，最多 maxTries 次
func (p *Pool) WithTransactionRetry(ctx context.Context, maxTries uint, fn TransactionFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.WithTransaction(ctx, fn)
		if err != nil && !isRetryableError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("transaction failed, retrying", zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	return err
}

var retryableMarkers = []string{
	"deadlock",
	"serialization failure",
	"40001",
	"connection reset",
	"connection refused",
	"broken pipe",
	"lock timeout",
	"lock wait timeout",
	"bad connection",
	"database is locked",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
