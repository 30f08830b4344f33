// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package database 负责打开 Checkpoint 所用的 SQL 数据库。

Open 按 config.DatabaseConfig.Driver 选择 postgres、mysql 或纯 Go 的
sqlite 驱动，应用连接池参数并返回 Pool。Pool 可选后台探活，
WithTransactionRetry 对死锁与序列化失败以 backoff/v5 指数退避重试。
*/
package database
