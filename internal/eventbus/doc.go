// 版权所有 2024 FleetFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 eventbus 把 Fleet 与 Workflow 运行的生命周期事件发布到 NATS。

# 概述

Bus 封装一个 nats.Conn，Publish 将 Event 序列化为 JSON 并发布到
主题 <prefix>.run.<kind>.<status>，例如 fleetflow.run.workflow.completed。
订阅方可以用 fleetflow.run.> 接收全部事件，或 fleetflow.run.*.failed
只关注失败。

Embedded 启动进程内的 nats-server，用于单机部署与测试。

# 主要能力

  - Connect：按 Config 连接外部或嵌入式 NATS，断线重连写入 zap 日志。
  - Publish / Subscribe：JSON 事件的发布与订阅。
  - Subject：生成事件主题。
*/
package eventbus
