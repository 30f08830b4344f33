// =============================================================================
// 📦 FleetFlow 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Runtime:   DefaultRuntimeConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		NATS:      DefaultNATSConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Auth:      DefaultAuthConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultRuntimeConfig 返回默认运行时配置
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Retention:     time.Hour,
		SweepInterval: time.Minute,
	}
}

// DefaultStoreConfig 全部使用内存后端
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Checkpoints: "memory",
		Approvals:   "memory",
		Blackboard:  "memory",
		Dir:         "./data",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "fleetflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "fleetflow",
		Name:            "fleetflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// DefaultNATSConfig 事件总线默认关闭
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		SubjectPrefix: "fleetflow",
		ReconnectWait: 2 * time.Second,
		EmbeddedPort:  4222,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fleetflow",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 健康检查与指标端点免认证
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SkipPaths: []string{"/health", "/healthz", "/ready", "/readyz", "/version"},
	}
}
