// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 FleetFlow 运行时的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、fleet、workflow、
orchestrator 等上层模块提供统一的任务、结果与错误契约，以避免循环依赖。

# 核心类型

  - Task              — 交给 Agent Capability 的标准化任务
  - AgentResult       — 单次 Agent 调用结果（内容、置信度、错误、延迟、层级）
  - Error / ErrorCode — 结构化错误体系（VALIDATION、AGENT_FAILURE、
    CONSENSUS_FAILURE、STEP_EXECUTION_ERROR、APPROVAL_TIMEOUT、CANCELLED、
    PERSISTENCE 等），含 Retryable 与 Alertable 判定
  - Clock             — 可替换时钟，测试中注入假时钟

# 主要能力

  - Context 传播：WithTraceID / WithRunID / WithStepID / WithFleetRunID
  - 调用方身份：WithSubject / WithRoles，由 API 认证中间件写入
  - 错误工具链：AsError / IsRetryable / IsAlertable / GetErrorCode / IsCode
*/
package types
