package api

import (
	"time"

	"github.com/BaSui01/fleetflow/orchestrator"
)

// SubmitRunRequest 提交一次 Fleet 或 Workflow 运行.
// Ref 形如 "fleet:review"、"workflow:release" 或裸名称（优先匹配 workflow）.
type SubmitRunRequest struct {
	Ref   string         `json:"ref" example:"workflow:release"`
	Input map[string]any `json:"input,omitempty"`
}

// SubmitRunResponse 提交结果
type SubmitRunResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// RunList 活动运行列表
type RunList struct {
	Runs  []*orchestrator.Status `json:"runs"`
	Count int                    `json:"count"`
}

// ResolveApprovalRequest 审批决定. Approver 为空时使用认证主体.
type ResolveApprovalRequest struct {
	Approver string `json:"approver,omitempty"`
	Decision string `json:"decision" example:"approve"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalResponse 审批请求的当前状态
type ApprovalResponse struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	Status     string     `json:"status"`
	Decisions  int        `json:"decisions"`
	Required   int        `json:"required_approvals"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ResumeRunRequest 从最新 Checkpoint 恢复 Workflow 运行
type ResumeRunRequest struct {
	Workflow string `json:"workflow"`
}

// RunActionResponse cancel/pause/resume 的结果
type RunActionResponse struct {
	RunID  string `json:"run_id"`
	Action string `json:"action"`
}

// DefinitionsResponse 已注册的定义名称
type DefinitionsResponse struct {
	Fleets    []string `json:"fleets"`
	Workflows []string `json:"workflows"`
}
