// 版权所有 2024 FleetFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供运行时共享的命名空间键值持久化抽象及多后端实现。

# 概述

黑板（Blackboard）、审批请求与工作流 Checkpoint 都需要在进程之间或
重启之后保留数据。本包通过统一的 Store 接口与可插拔后端，使上层模块
无需关心底层存储细节，同时支持从开发测试到分布式生产的平滑切换。

# 核心接口

  - Store: Put / Get / Delete / List，按命名空间隔离，支持按条目 TTL，
    以及 Close 和 Ping 健康检查。
  - PutJSON / GetJSON: JSON 序列化辅助函数。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 每个命名空间一个 JSON 文件，原子写入（临时文件 + rename），
    适合单节点生产部署。
  - Redis: 条目存为带过期时间的字符串键，Sorted Set 维护命名空间索引，
    写操作使用 TxPipeline，经 backoff/v5 按 RetryConfig 指数退避重试，适合分布式部署。

# 使用方式

通过工厂函数按配置创建存储实例：

	store, err := persistence.NewStore(config)

已有 go-redis 客户端时使用 NewRedisStoreWithClient 共享连接，Close 不会关闭该客户端。
*/
package persistence
