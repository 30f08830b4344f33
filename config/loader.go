// =============================================================================
// 📦 FleetFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fleetflow.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（FLEETFLOW_ 前缀）
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 是环境变量的默认前缀
const DefaultEnvPrefix = "FLEETFLOW"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FleetFlow 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Runtime   RuntimeConfig   `yaml:"runtime" env:"RUNTIME"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	NATS      NATSConfig      `yaml:"nats" env:"NATS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	HTTPPort    int `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时，同时用于等待运行暂停
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端的限流，RateLimitRPS <= 0 关闭限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源，为空时拒绝跨域请求
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书，两者都设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// RuntimeConfig 编排运行时配置
type RuntimeConfig struct {
	// Fleet 与 Workflow 定义文件（YAML）
	DefinitionsPath string `yaml:"definitions_path" env:"DEFINITIONS_PATH"`
	// 定义文件变化时重新注册
	WatchDefinitions bool `yaml:"watch_definitions" env:"WATCH_DEFINITIONS"`
	// 终态运行在内存中保留多久，<= 0 表示不清理
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// StoreConfig 选择各类状态的存储后端
type StoreConfig struct {
	// Checkpoint 后端: memory, file, redis, database
	Checkpoints string `yaml:"checkpoints" env:"CHECKPOINTS"`
	// 审批请求后端: memory, file, redis
	Approvals string `yaml:"approvals" env:"APPROVALS"`
	// 黑板后端: none, memory, redis
	Blackboard string `yaml:"blackboard" env:"BLACKBOARD"`
	// file 后端的根目录
	Dir string `yaml:"dir" env:"DIR"`
	// KV 后端中 checkpoint 的过期时间，0 表示不过期
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl" env:"CHECKPOINT_TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 时为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 连接池
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// NATSConfig 运行事件总线配置
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL"`
	// 主题前缀，事件发布在 <prefix>.run.<kind>.<status>
	SubjectPrefix string        `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
	// 进程内启动 NATS 服务器，URL 被忽略
	Embedded     bool   `yaml:"embedded" env:"EMBEDDED"`
	EmbeddedPort int    `yaml:"embedded_port" env:"EMBEDDED_PORT"`
	DataDir      string `yaml:"data_dir" env:"DATA_DIR"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AuthConfig API 认证配置。未配置 JWT 密钥与公钥时不启用认证。
type AuthConfig struct {
	// HS256 密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// RS256 公钥（PEM）
	JWTPublicKey string `yaml:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	Audience     string `yaml:"audience" env:"AUDIENCE"`
	// 不需要认证的路径
	SkipPaths []string `yaml:"skip_paths" env:"SKIP_PATHS"`
}

// Enabled 报告是否启用 JWT 认证
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.JWTPublicKey != ""
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvLookup 替换环境变量来源，测试时使用
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 按字段类型解析字符串
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
