// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package orchestrator 是 FleetFlow 的运行时门面。

# 概述

Registry 由宿主显式构造，持有 Fleet 定义、Workflow 定义与 Capability；
注册时即完成校验。Runtime 在 Registry 之上组合 fleet.Coordinator 与
workflow.Executor，对外提供统一的运行管理接口：

  - Submit          — 按 "fleet:<name>" / "workflow:<name>" / 裸名称启动运行
  - GetStatus       — 查询运行状态；不在内存中的工作流运行回退到最新 Checkpoint
  - Cancel          — 取消运行，终态运行返回 INVALID_REQUEST
  - ListActiveRuns  — 列出所有未结束的运行
  - ResolveApproval — 对运行的待决审批做出决定
  - Resume          — 从最新 Checkpoint 继续工作流运行

# 生命周期

终态运行在 Retention 内保持可查询，后台 janitor 定期清理。配置
EventPublisher 时，每次状态转移都会发布到事件总线（NATS 主题
fleetflow.run.<kind>.<status>）。Close 会暂停活动中的工作流运行以便
之后恢复，并取消所有 Fleet 运行。

# 定义加载

LoadFile / Load 从 YAML（支持多文档）读取 fleets 与 workflows 并注册，
所有被拒绝的定义汇总为一个错误返回。
*/
package orchestrator
