// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 实现 FleetFlow HTTP API.

# 核心类型

  - RunHandler     — /v1/runs 与 /v1/definitions，驱动 orchestrator.Runtime
  - HealthHandler  — /health、/healthz、/ready、/readyz、/version
  - Response       — 统一 JSON 信封（success + data + error + timestamp）
  - ResponseWriter — 记录状态码，供日志、指标与追踪中间件使用

# 错误映射

WriteError 把 types.ErrorCode 映射为 HTTP 状态码：VALIDATION 与
INVALID_REQUEST 为 400，NOT_FOUND 为 404，CANCELLED 为 409，
PERSISTENCE 为 503，其余未知错误为 500。运行本身的失败不会作为
HTTP 错误返回，而是出现在运行状态的 error 字段中。
*/
package handlers
