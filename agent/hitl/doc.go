// Package hitl 提供 Human-in-the-Loop 审批闸门能力。
//
// 工作流的 approval 步骤通过 ApprovalManager 创建审批请求并阻塞等待：
// 达到所需批准数即通过，任一拒绝立即结束，超时按 DefaultOnTimeout 处理，
// 运行取消时请求被取消。请求通过 ApprovalStore 持久化，
// 进程重启后可由 Restore 重新登记并继续计时。
package hitl
