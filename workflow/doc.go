// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供步骤图工作流的执行引擎。

# 概述

Definition 描述由 Step 与 Connection 组成的有向图。Validate 在加载时检查
入口、悬空连接、非法步骤类型、无法到达 End 的步骤、并行分支内的审批等问题，
并把所有问题汇总为一个 VALIDATION 错误。Executor 以单一提交 goroutine 驱动
每个 Run：执行当前步骤，把输出写入 state，按声明顺序选择第一条条件成立的
连接（否则走无条件连接）。

# 步骤类型

  - agent       — 通过 CapabilityResolver 调用 agent.Capability
  - fleet       — 通过 FleetRunner 执行已注册的 Fleet
  - transform   — set/copy/delete/append/merge/increment，无 I/O
  - conditional — 计算条件并路由到 OnTrue/OnFalse，不写 state
  - parallel    — 每个分支持有 state 私有副本，运行至对应 join
  - join        — all/any/majority 策略，按分支声明顺序合并增量
  - approval    — 创建 hitl.ApprovalRequest 并挂起，超时应用默认决定
  - wait        — 固定时长或下一个 cron 触发点
  - end         — 终态，运行完成

# 重试与错误处理

agent 与 fleet 步骤的瞬时失败按 RetryPolicy 指数退避重试（backoff/v5）。
重试耗尽后若配置了 ErrorHandler，则把错误写入 state["error"] 并转到该步骤，
否则运行失败。

# Checkpoint 与恢复

每次成功转移后、每次挂起（审批、等待）前以及运行结束时都会写入 Checkpoint。
Resume 读取最新 Checkpoint，从其 StepID 继续，已完成的步骤不会重复执行。
存储实现：MemoryCheckpointStore、FileCheckpointStore（每个运行一个 JSON
Lines 文件）、GormCheckpointStore（postgres/mysql/sqlite）以及基于
persistence.Store 的 KVCheckpointStore。
*/
package workflow
