package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/config"
	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/internal/database"
	"github.com/BaSui01/fleetflow/workflow"
)

// backends 持有按配置创建的存储后端，关闭时按创建逆序释放
type backends struct {
	checkpoints workflow.CheckpointStore
	approvals   hitl.ApprovalStore
	blackboard  *fleet.Blackboard

	redis *redis.Client
	db    *database.Pool

	closers []func() error
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) Close() error {
	var errs error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, b.closers[i]())
	}
	b.closers = nil
	return errs
}

// openBackends 根据 store 配置创建检查点、审批和黑板存储
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	// Redis 客户端在三个后端之间共享
	if cfg.Store.Checkpoints == "redis" || cfg.Store.Approvals == "redis" || cfg.Store.Blackboard == "redis" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		b.onClose(b.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	kv := func(backend, sub string) (persistence.Store, error) {
		switch backend {
		case "redis":
			return persistence.NewRedisStoreWithClient(b.redis, cfg.Redis.KeyPrefix, persistence.DefaultRetryConfig()), nil
		case "file":
			s, err := persistence.NewFileStore(persistence.StoreConfig{
				Type:    persistence.StoreTypeFile,
				BaseDir: filepath.Join(cfg.Store.Dir, sub),
				Cleanup: persistence.DefaultCleanupConfig(),
			})
			if err != nil {
				return nil, err
			}
			b.onClose(s.Close)
			return s, nil
		default:
			s := persistence.NewMemoryStore(persistence.StoreConfig{
				Type:    persistence.StoreTypeMemory,
				Cleanup: persistence.DefaultCleanupConfig(),
			})
			b.onClose(s.Close)
			return s, nil
		}
	}

	switch cfg.Store.Checkpoints {
	case "file":
		s, err := workflow.NewFileCheckpointStore(filepath.Join(cfg.Store.Dir, "checkpoints"), logger)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint dir: %w", err)
		}
		b.checkpoints = s
	case "redis":
		store, _ := kv("redis", "")
		b.checkpoints = workflow.NewKVCheckpointStore(store, cfg.Store.CheckpointTTL)
	case "database":
		pool, err := database.Open(cfg.Database, logger, database.WithHealthCheck(30*time.Second))
		if err != nil {
			return nil, err
		}
		b.db = pool
		b.onClose(pool.Close)

		s := workflow.NewGormCheckpointStore(pool.DB(), logger)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate checkpoints: %w", err)
		}
		b.checkpoints = s
	default:
		b.checkpoints = workflow.NewMemoryCheckpointStore()
	}

	switch cfg.Store.Approvals {
	case "file", "redis":
		store, err := kv(cfg.Store.Approvals, "approvals")
		if err != nil {
			return nil, fmt.Errorf("open approval store: %w", err)
		}
		b.approvals = hitl.NewKVApprovalStore(store)
	default:
		b.approvals = hitl.NewInMemoryApprovalStore()
	}

	switch cfg.Store.Blackboard {
	case "memory", "redis":
		store, err := kv(cfg.Store.Blackboard, "blackboard")
		if err != nil {
			return nil, fmt.Errorf("open blackboard store: %w", err)
		}
		b.blackboard = fleet.NewBlackboard(store, logger)
	}

	logger.Info("stores ready",
		zap.String("checkpoints", cfg.Store.Checkpoints),
		zap.String("approvals", cfg.Store.Approvals),
		zap.String("blackboard", cfg.Store.Blackboard),
	)
	return b, nil
}
