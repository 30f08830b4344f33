// =============================================================================
// FleetFlow 主入口
// =============================================================================
// 编排服务入口点，包含 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	fleetflow serve                               # 启动服务
//	fleetflow serve --config config.yaml          # 指定配置文件
//	fleetflow validate --definitions fleets.yaml  # 校验定义文件
//	fleetflow version                             # 显示版本信息
//	fleetflow health                              # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fleetflow/config"
	"github.com/BaSui01/fleetflow/orchestrator"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "validate":
		if err := runValidate(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		printVersion(os.Stdout)
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fleetflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewServer(cfg, logger).Run(ctx); err != nil {
		logger.Error("fleetflow stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("fleetflow stopped")
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

// runValidate 加载定义文件并报告所有被拒绝的定义。内置能力之外的能力引用在运行时解析，这里不检查。
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("definitions", "", "Path to definitions file (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--definitions is required")
	}

	reg := orchestrator.NewRegistry(nil, nil)
	if err := reg.LoadFile(*path); err != nil {
		return err
	}
	fmt.Fprintf(out, "fleets:    %d %v\n", len(reg.FleetNames()), reg.FleetNames())
	fmt.Fprintf(out, "workflows: %d %v\n", len(reg.WorkflowNames()), reg.WorkflowNames())
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	if err := checkHealth(&http.Client{Timeout: 5 * time.Second}, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func checkHealth(client *http.Client, addr string) error {
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "FleetFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `FleetFlow - agent fleet and workflow orchestration

Usage:
  fleetflow <command> [options]

Commands:
  serve     Start the FleetFlow server
  validate  Validate a definitions file
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>        Path to configuration file (YAML)

Options for 'validate':
  --definitions <path>   Path to definitions file (YAML)

Environment variables with the FLEETFLOW_ prefix override the config file,
e.g. FLEETFLOW_SERVER_HTTP_PORT=9090.

Examples:
  fleetflow serve --config /etc/fleetflow/config.yaml
  fleetflow validate --definitions ./definitions.yaml
  fleetflow health --addr http://localhost:8080
  fleetflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
