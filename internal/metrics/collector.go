// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器. 所有 Record 方法在 nil 接收者上是空操作,
// 组件可在未配置指标时直接持有 nil.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Fleet 指标
	fleetRunsTotal     *prometheus.CounterVec
	fleetRunDuration   *prometheus.HistogramVec
	agentDispatchTotal *prometheus.CounterVec
	agentDispatchTime  *prometheus.HistogramVec
	consensusOutcomes  *prometheus.CounterVec
	consensusScore     *prometheus.HistogramVec

	// Workflow 指标
	workflowRunsTotal    *prometheus.CounterVec
	workflowStepDuration *prometheus.HistogramVec
	workflowStepRetries  *prometheus.CounterVec
	checkpointWrites     *prometheus.CounterVec
	approvalsTotal       *prometheus.CounterVec

	// 运行时指标
	activeRuns *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// Fleet 指标
	c.fleetRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_runs_total",
			Help:      "Total number of fleet runs by terminal status",
		},
		[]string{"fleet", "mode", "status"},
	)

	c.fleetRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fleet_run_duration_seconds",
			Help:      "Fleet run duration in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"fleet", "mode"},
	)

	c.agentDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_total",
			Help:      "Total number of agent capability invocations",
		},
		[]string{"member", "status"},
	)

	c.agentDispatchTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_duration_seconds",
			Help:      "Agent capability invocation latency in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"member"},
	)

	c.consensusOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_outcomes_total",
			Help:      "Consensus computations by algorithm and outcome",
		},
		[]string{"algorithm", "outcome"},
	)

	c.consensusScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_confidence",
			Help:      "Confidence of decided consensus results",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"algorithm"},
	)

	// Workflow 指标
	c.workflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"workflow", "status"},
	)

	c.workflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "step_type", "status"},
	)

	c.workflowStepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Workflow step retry attempts",
		},
		[]string{"workflow", "step_type"},
	)

	c.checkpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint writes by store and result",
		},
		[]string{"store", "status"},
	)

	c.approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Resolved approval requests by status",
		},
		[]string{"status"},
	)

	// 运行时指标
	c.activeRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of non-terminal runs by kind",
		},
		[]string{"kind"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🌐 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🚢 Fleet 指标记录
// =============================================================================

// RecordFleetRun 记录 fleet 运行结束
func (c *Collector) RecordFleetRun(fleet, mode, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.fleetRunsTotal.WithLabelValues(fleet, mode, status).Inc()
	c.fleetRunDuration.WithLabelValues(fleet, mode).Observe(duration.Seconds())
}

// RecordAgentDispatch 记录单次 Agent 调用
func (c *Collector) RecordAgentDispatch(member, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentDispatchTotal.WithLabelValues(member, status).Inc()
	c.agentDispatchTime.WithLabelValues(member).Observe(duration.Seconds())
}

// RecordConsensus 记录共识结果
func (c *Collector) RecordConsensus(algorithm, outcome string, confidence float64) {
	if c == nil {
		return
	}
	c.consensusOutcomes.WithLabelValues(algorithm, outcome).Inc()
	if outcome == "decided" {
		c.consensusScore.WithLabelValues(algorithm).Observe(confidence)
	}
}

// =============================================================================
// 🔀 Workflow 指标记录
// =============================================================================

// RecordWorkflowRun 记录工作流运行结束
func (c *Collector) RecordWorkflowRun(workflow, status string) {
	if c == nil {
		return
	}
	c.workflowRunsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordWorkflowStep 记录步骤执行
func (c *Collector) RecordWorkflowStep(workflow, stepType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowStepDuration.WithLabelValues(workflow, stepType, status).Observe(duration.Seconds())
}

// RecordStepRetry 记录步骤重试
func (c *Collector) RecordStepRetry(workflow, stepType string) {
	if c == nil {
		return
	}
	c.workflowStepRetries.WithLabelValues(workflow, stepType).Inc()
}

// RecordCheckpointWrite 记录 checkpoint 写入
func (c *Collector) RecordCheckpointWrite(store string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpointWrites.WithLabelValues(store, status).Inc()
}

// RecordApproval 记录审批结果
func (c *Collector) RecordApproval(status string) {
	if c == nil {
		return
	}
	c.approvalsTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// 🧭 运行时指标记录
// =============================================================================

// SetActiveRuns 设置活跃运行数
func (c *Collector) SetActiveRuns(kind string, n int) {
	if c == nil {
		return
	}
	c.activeRuns.WithLabelValues(kind).Set(float64(n))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return strconv.Itoa(code)
	}
}
