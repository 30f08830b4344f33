package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	checkpointBackends = []string{"memory", "file", "redis", "database"}
	approvalBackends   = []string{"memory", "file", "redis"}
	blackboardBackends = []string{"none", "memory", "redis"}
	databaseDrivers    = []string{"postgres", "mysql", "sqlite"}
	logLevels          = []string{"debug", "info", "warn", "error"}
	logFormats         = []string{"json", "console"}
)

// Validate 校验配置，一次返回所有问题
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if !validPort(c.Server.HTTPPort) {
		add("server.http_port %d is out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort != 0 && !validPort(c.Server.MetricsPort) {
		add("server.metrics_port %d is out of range", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		add("server.metrics_port must differ from server.http_port")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		add("server.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		add("server.tls_cert_file and server.tls_key_file must be set together")
	}

	if c.Runtime.Retention > 0 && c.Runtime.SweepInterval <= 0 {
		add("runtime.sweep_interval must be positive when retention is set")
	}
	if c.Runtime.WatchDefinitions && c.Runtime.DefinitionsPath == "" {
		add("runtime.watch_definitions requires runtime.definitions_path")
	}

	oneOf(add, "store.checkpoints", c.Store.Checkpoints, checkpointBackends)
	oneOf(add, "store.approvals", c.Store.Approvals, approvalBackends)
	oneOf(add, "store.blackboard", c.Store.Blackboard, blackboardBackends)
	if (c.Store.Checkpoints == "file" || c.Store.Approvals == "file") && c.Store.Dir == "" {
		add("store.dir is required by the file backend")
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		add("redis.addr is required by the redis backend")
	}
	if c.Store.Checkpoints == "database" {
		oneOf(add, "database.driver", c.Database.Driver, databaseDrivers)
		if c.Database.Name == "" {
			add("database.name is required")
		}
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		add("nats.url is required unless nats.embedded is set")
	}

	oneOf(add, "log.level", c.Log.Level, logLevels)
	oneOf(add, "log.format", c.Log.Format, logFormats)

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			add("telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			add("telemetry.sample_rate must be between 0 and 1")
		}
	}

	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

func (c *Config) usesRedis() bool {
	return c.Store.Checkpoints == "redis" || c.Store.Approvals == "redis" || c.Store.Blackboard == "redis"
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func oneOf(add func(string, ...any), name, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	add("%s %q must be one of %s", name, value, strings.Join(allowed, ", "))
}
