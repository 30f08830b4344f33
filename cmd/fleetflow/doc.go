// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FleetFlow 服务端程序入口。

# 概述

cmd/fleetflow 加载配置和定义文件，组装 orchestrator.Runtime 及其存储后端，
通过 HTTP API 暴露提交、查询、取消、暂停、恢复和审批操作。

# 子命令

  - serve     启动服务（--config）
  - validate  校验定义文件（--definitions）
  - version   输出构建信息
  - health    请求 /health

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、MetricsMiddleware、
RequestLogger、CORS、JWTAuth（配置密钥或公钥时启用）、RateLimiter（按主体或 IP）。

# 存储

store.checkpoints 支持 memory、file、redis、database；store.approvals 支持
memory、file、redis；store.blackboard 支持 none、memory、redis。Redis 客户端在
各后端之间共享。

# 关闭顺序

停止定义文件监听 → 关闭 API 监听 → 暂停运行中的工作流 → 关闭 Metrics →
刷新并关闭 NATS → 释放存储 → 关闭遥测。
*/
package main
