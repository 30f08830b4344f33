// 版权所有 2024 FleetFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的运行时指标采集能力，覆盖
HTTP、Fleet、共识、Workflow 与数据库几个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 的 Record 方法在 nil 接收者上是空操作，未启用指标的组件
可以直接持有 nil。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - Fleet 指标：运行总数与耗时（fleet/mode/status）、Agent 调用次数与延迟、
    共识结果（algorithm/outcome）与已决结果的置信度分布。
  - Workflow 指标：运行总数、步骤耗时（step_type/status）、重试次数、
    checkpoint 写入结果、审批结果。
  - 运行时指标：按 kind 统计的活跃运行数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
