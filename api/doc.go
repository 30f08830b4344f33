// Package api 定义 FleetFlow HTTP API 的请求与响应结构.
//
// # 端点
//
//	POST /v1/runs                 提交运行（SubmitRunRequest → 202 SubmitRunResponse）
//	GET  /v1/runs                 活动运行列表
//	GET  /v1/runs/{id}            运行状态（orchestrator.Status）
//	POST /v1/runs/{id}/cancel     取消
//	POST /v1/runs/{id}/pause      暂停 Workflow 运行
//	POST /v1/runs/{id}/resume     从 Checkpoint 恢复
//	POST /v1/runs/{id}/approval   提交审批决定
//	GET  /v1/definitions          已注册的 Fleet 与 Workflow
//
// 所有响应都包在 {"success", "data", "error", "timestamp"} 信封中，
// error.code 取自 types.ErrorCode.
//
// # 认证
//
// 配置 auth.jwt_secret 或 auth.jwt_public_key 后，除健康检查外的端点需要
//
//	Authorization: Bearer <token>
package api
