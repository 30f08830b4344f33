// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package fleet 提供多 Agent 团队（Fleet）的协调执行。

# 概述

一个 Fleet 由若干成员组成，每个成员通过 CapabilityRef 绑定到
agent.Capability。Coordinator 根据 CoordinationConfig.Mode 选择协调模式，
把任务分发给成员，并借助 consensus 包把分散的结果汇总为单一决策。

# 协调模式

  - peer         — 全体成员并发执行，共识引擎投票
  - hierarchical — Manager 规划 → Worker 并发执行 → Manager 汇总（或投票）
  - pipeline     — 按声明顺序串行，上一成员输出即下一成员输入
  - swarm        — 按分发策略只选一名成员执行
  - tiered       — 按 Tier 升序逐层执行，每层独立计算共识
  - deep         — 规划 → 执行子步骤 → 记忆 → 目标检查，迭代次数受限

# 分发策略

swarm 模式支持 round_robin、least_loaded（默认）、random、skill_based
与 sticky（基于 xxhash 的粘性路由）。

# 运行跟踪

Start 异步启动运行并返回 *Run；Run.Done 在进入终态后关闭。运行期间可通过
Snapshot 查询各 Tier 的部分结果。Cancel 以取消原因终止运行，状态为
cancelled，错误码为 CANCELLED。

# 黑板

Blackboard 是基于 persistence.Store 的广播命名空间，按版本号 last-write-wins，
只提供参考信息，不驱动控制流。成员通过 task.Context["blackboard"] 读取快照。
*/
package fleet
