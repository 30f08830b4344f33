// Copyright (c) FleetFlow Authors.
// Licensed under the MIT License.

/*
Package server 管理 FleetFlow API 与指标端口的 HTTP(S) 监听器。

Manager 封装 net/http.Server：Start 非阻塞启动，配置证书时使用
HardenedTLSConfig（TLS 1.2+，仅 AEAD 密码套件）以 HTTPS 服务；
Run 阻塞到 context 结束后在 ShutdownTimeout 内优雅关闭；
Errors 暴露异步的监听失败。
*/
package server
