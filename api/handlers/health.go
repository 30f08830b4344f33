package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthHandler 存活与就绪探针
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 探针响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy | unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"` // pass | fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建探针处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, timeout: 5 * time.Second}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health 与 /healthz：进程存活即返回 200
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleReady 处理 /ready 与 /readyz：并发执行所有检查，任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := check.Check(ctx)
			res := CheckResult{Status: "pass", Latency: time.Since(start).String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				h.logger.Warn("readiness check failed", zap.String("check", check.Name()), zap.Error(err))
			}
			results[i] = res
		}()
	}
	wg.Wait()

	status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]CheckResult, len(checks))}
	code := http.StatusOK
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status != "pass" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, status)
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// FuncCheck 把 ping 函数适配为 HealthCheck，用于数据库、Redis、NATS
type FuncCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncCheck 创建检查项
func NewFuncCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, fn: fn}
}

func (c *FuncCheck) Name() string { return c.name }

func (c *FuncCheck) Check(ctx context.Context) error { return c.fn(ctx) }
