package hitl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// Decision 是审批人的决定.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision 解析外部输入的审批决定.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "yes":
		return DecisionApprove, nil
	case "reject", "rejected", "no", "deny":
		return DecisionReject, nil
	default:
		return "", types.Errorf(types.ErrInvalidRequest, "unknown approval decision %q", s)
	}
}

// ApprovalStatus 代表审批请求状态.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusTimedOut  ApprovalStatus = "timed_out"
	StatusCancelled ApprovalStatus = "cancelled"
)

// Terminal 报告状态是否为终态.
func (s ApprovalStatus) Terminal() bool {
	return s != StatusPending && s != ""
}

// ApproverDecision 记录单个审批人的决定.
type ApproverDecision struct {
	Approver  string    `json:"approver"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ApprovalRequest 代表挂起在某个工作流步骤上的审批请求.
type ApprovalRequest struct {
	ID                string             `json:"id"`
	RunID             string             `json:"run_id"`
	WorkflowName      string             `json:"workflow_name,omitempty"`
	StepID            string             `json:"step_id"`
	Title             string             `json:"title,omitempty"`
	Description       string             `json:"description,omitempty"`
	Approvers         []string           `json:"approvers,omitempty"`
	RequiredApprovals int                `json:"required_approvals"`
	Timeout           time.Duration      `json:"timeout"`
	DefaultOnTimeout  Decision           `json:"default_on_timeout"`
	Decisions         []ApproverDecision `json:"decisions,omitempty"`
	Status            ApprovalStatus     `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	Deadline          time.Time          `json:"deadline"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
}

// Clone 返回请求的深拷贝.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Approvers = append([]string(nil), r.Approvers...)
	out.Decisions = append([]ApproverDecision(nil), r.Decisions...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (r *ApprovalRequest) approvals() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

func (r *ApprovalRequest) deciders() []string {
	out := make([]string, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		out = append(out, d.Approver)
	}
	return out
}

func (r *ApprovalRequest) allows(approver string) bool {
	if len(r.Approvers) == 0 {
		return true
	}
	for _, a := range r.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

// Outcome 由已结束的请求重建结果, 请求仍待决时返回 nil.
func (r *ApprovalRequest) Outcome() *Outcome {
	if r == nil || !r.Status.Terminal() {
		return nil
	}
	o := &Outcome{
		RequestID: r.ID,
		Status:    r.Status,
		Approvers: r.deciders(),
	}
	switch r.Status {
	case StatusApproved:
		o.Decision = DecisionApprove
	case StatusRejected:
		o.Decision = DecisionReject
	case StatusTimedOut:
		o.Decision = r.DefaultOnTimeout
		o.TimedOut = true
	}
	o.Approved = o.Decision == DecisionApprove
	return o
}

// Outcome 是审批请求的最终结果.
type Outcome struct {
	RequestID string         `json:"request_id"`
	Status    ApprovalStatus `json:"status"`
	Approved  bool           `json:"approved"`
	Decision  Decision       `json:"decision"`
	TimedOut  bool           `json:"timed_out"`
	Approvers []string       `json:"approvers"`
}

// AsState 返回写入工作流状态的表示.
func (o *Outcome) AsState() map[string]any {
	approvers := make([]any, len(o.Approvers))
	for i, a := range o.Approvers {
		approvers[i] = a
	}
	return map[string]any{
		"approved":  o.Approved,
		"decision":  string(o.Decision),
		"timed_out": o.TimedOut,
		"approvers": approvers,
	}
}

// ApprovalOptions 配置审批请求创建.
type ApprovalOptions struct {
	RunID             string
	WorkflowName      string
	StepID            string
	Title             string
	Description       string
	Approvers         []string
	RequiredApprovals int
	Timeout           time.Duration
	DefaultOnTimeout  Decision
	Metadata          map[string]any
}

const defaultApprovalTimeout = 24 * time.Hour

// ApprovalHandler 在请求创建后被异步通知.
type ApprovalHandler func(ctx context.Context, req *ApprovalRequest)

// ApprovalManager 管理审批请求的创建、决定、超时与取消.
type ApprovalManager struct {
	store    ApprovalStore
	clock    types.Clock
	logger   *zap.Logger
	handlers []ApprovalHandler
	pending  map[string]*pendingApproval
	mu       sync.RWMutex
}

type pendingApproval struct {
	req     *ApprovalRequest
	done    chan struct{}
	outcome *Outcome
}

// NewApprovalManager 创建审批管理器. store 为 nil 时使用内存存储.
func NewApprovalManager(store ApprovalStore, clock types.Clock, logger *zap.Logger) *ApprovalManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryApprovalStore()
	}
	return &ApprovalManager{
		store:   store,
		clock:   types.ClockOrSystem(clock),
		logger:  logger.With(zap.String("component", "approval_manager")),
		pending: make(map[string]*pendingApproval),
	}
}

// OnRequest 注册请求创建通知.
func (m *ApprovalManager) OnRequest(h ApprovalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Open 创建并登记一个待决审批请求, 不阻塞.
func (m *ApprovalManager) Open(ctx context.Context, opts ApprovalOptions) (*ApprovalRequest, error) {
	now := m.clock.Now()
	req := &ApprovalRequest{
		ID:                uuid.NewString(),
		RunID:             opts.RunID,
		WorkflowName:      opts.WorkflowName,
		StepID:            opts.StepID,
		Title:             opts.Title,
		Description:       opts.Description,
		Approvers:         append([]string(nil), opts.Approvers...),
		RequiredApprovals: opts.RequiredApprovals,
		Timeout:           opts.Timeout,
		DefaultOnTimeout:  opts.DefaultOnTimeout,
		Status:            StatusPending,
		CreatedAt:         now,
		Metadata:          opts.Metadata,
	}
	if req.RequiredApprovals <= 0 {
		req.RequiredApprovals = 1
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultApprovalTimeout
	}
	if req.DefaultOnTimeout == "" {
		req.DefaultOnTimeout = DecisionReject
	}
	req.Deadline = now.Add(req.Timeout)

	if err := m.store.Save(ctx, req.Clone()); err != nil {
		return nil, types.NewError(types.ErrPersistence, "failed to save approval request").WithCause(err)
	}

	m.mu.Lock()
	m.pending[req.ID] = &pendingApproval{req: req, done: make(chan struct{})}
	handlers := append([]ApprovalHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("step_id", req.StepID),
		zap.Int("required", req.RequiredApprovals),
		zap.Time("deadline", req.Deadline),
	)

	for _, h := range handlers {
		go h(context.WithoutCancel(ctx), req.Clone())
	}
	return req.Clone(), nil
}

// Restore 重新登记一个从 checkpoint 恢复的待决请求. 已登记时直接返回.
func (m *ApprovalManager) Restore(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return types.NewError(types.ErrInvalidRequest, "nil approval request")
	}
	if req.Status.Terminal() {
		return types.Errorf(types.ErrInvalidRequest, "approval %s already %s", req.ID, req.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[req.ID]; ok {
		return nil
	}
	m.pending[req.ID] = &pendingApproval{req: req.Clone(), done: make(chan struct{})}
	m.logger.Info("approval restored", zap.String("id", req.ID), zap.String("run_id", req.RunID))
	return nil
}

// Await 阻塞直到请求被决定或超时. 已决定的请求立即返回结果.
// ctx 结束时返回 ctx 错误, 请求保持待决, 由调用方决定 Cancel 还是 Release.
func (m *ApprovalManager) Await(ctx context.Context, id string) (*Outcome, error) {
	m.mu.RLock()
	p, ok := m.pending[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval %s is not registered", id)
	}

	timer := m.clock.After(p.req.Deadline.Sub(m.clock.Now()))

	select {
	case <-p.done:
		m.Release(id)
		return p.outcome, nil
	case <-timer:
		outcome := m.timeout(ctx, p)
		m.Release(id)
		return outcome, nil
	case <-ctx.Done():
		select {
		case <-p.done:
			m.Release(id)
			return p.outcome, nil
		default:
		}
		return nil, ctx.Err()
	}
}

// Decide 记录一个审批人的决定. 任一拒绝立即结束请求;
// 批准数达到 RequiredApprovals 时请求通过.
func (m *ApprovalManager) Decide(ctx context.Context, id, approver string, decision Decision, comment string) (*ApprovalRequest, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, types.Errorf(types.ErrInvalidRequest, "invalid decision %q", decision)
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok || p.outcome != nil {
		m.mu.Unlock()
		return nil, types.Errorf(types.ErrNotFound, "approval %s is not pending", id)
	}
	req := p.req
	if !req.allows(approver) {
		m.mu.Unlock()
		return nil, types.Errorf(types.ErrValidation, "%s is not an approver of %s", approver, id)
	}
	for _, d := range req.Decisions {
		if d.Approver == approver {
			m.mu.Unlock()
			return nil, types.Errorf(types.ErrInvalidRequest, "%s already decided on %s", approver, id)
		}
	}

	req.Decisions = append(req.Decisions, ApproverDecision{
		Approver:  approver,
		Decision:  decision,
		Comment:   comment,
		DecidedAt: m.clock.Now(),
	})

	switch {
	case decision == DecisionReject:
		m.resolveLocked(p, StatusRejected, DecisionReject, false)
	case req.approvals() >= req.RequiredApprovals:
		m.resolveLocked(p, StatusApproved, DecisionApprove, false)
	}
	snapshot := req.Clone()
	m.mu.Unlock()

	m.logger.Info("approval decision recorded",
		zap.String("id", id),
		zap.String("approver", approver),
		zap.String("decision", string(decision)),
		zap.String("status", string(snapshot.Status)),
	)
	m.persist(ctx, snapshot)
	return snapshot, nil
}

// DecideForRun 对运行中唯一待决的请求做出决定.
func (m *ApprovalManager) DecideForRun(ctx context.Context, runID, approver string, decision Decision, comment string) (*ApprovalRequest, error) {
	pending := m.Pending(runID)
	if len(pending) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "run %s has no pending approval", runID)
	}
	return m.Decide(ctx, pending[0].ID, approver, decision, comment)
}

// Cancel 取消待决请求, 等待方收到 cancelled 结果.
func (m *ApprovalManager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok || p.outcome != nil {
		m.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "approval %s is not pending", id)
	}
	m.resolveLocked(p, StatusCancelled, "", false)
	snapshot := p.req.Clone()
	m.mu.Unlock()

	m.logger.Info("approval cancelled", zap.String("id", id))
	m.persist(ctx, snapshot)
	return nil
}

// Release 放弃进程内的等待登记而不改变持久化状态, 用于暂停后恢复.
func (m *ApprovalManager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

// Pending 返回运行的待决请求, runID 为空时返回全部.
func (m *ApprovalManager) Pending(runID string) []*ApprovalRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*ApprovalRequest
	for _, p := range m.pending {
		if p.outcome != nil {
			continue
		}
		if runID == "" || p.req.RunID == runID {
			results = append(results, p.req.Clone())
		}
	}
	sortByCreated(results)
	return results
}

// Get 从存储读取请求.
func (m *ApprovalManager) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	if p, ok := m.pending[id]; ok {
		defer m.mu.RUnlock()
		return p.req.Clone(), nil
	}
	m.mu.RUnlock()
	return m.store.Load(ctx, id)
}

func (m *ApprovalManager) timeout(ctx context.Context, p *pendingApproval) *Outcome {
	m.mu.Lock()
	if p.outcome != nil {
		m.mu.Unlock()
		return p.outcome
	}
	m.resolveLocked(p, StatusTimedOut, p.req.DefaultOnTimeout, true)
	snapshot := p.req.Clone()
	outcome := p.outcome
	m.mu.Unlock()

	m.logger.Warn("approval timed out",
		zap.String("id", snapshot.ID),
		zap.String("default", string(snapshot.DefaultOnTimeout)),
	)
	m.persist(ctx, snapshot)
	return outcome
}

// resolveLocked 结束请求, 调用方需持有写锁.
func (m *ApprovalManager) resolveLocked(p *pendingApproval, status ApprovalStatus, decision Decision, timedOut bool) {
	if p.outcome != nil {
		return
	}
	now := m.clock.Now()
	p.req.Status = status
	p.req.ResolvedAt = &now
	p.outcome = &Outcome{
		RequestID: p.req.ID,
		Status:    status,
		Approved:  decision == DecisionApprove,
		Decision:  decision,
		TimedOut:  timedOut,
		Approvers: p.req.deciders(),
	}
	close(p.done)
}

func (m *ApprovalManager) persist(ctx context.Context, req *ApprovalRequest) {
	if err := m.store.Update(context.WithoutCancel(ctx), req); err != nil {
		m.logger.Error("failed to persist approval", zap.String("id", req.ID), zap.Error(err))
	}
}

// String 实现 fmt.Stringer.
func (o *Outcome) String() string {
	return fmt.Sprintf("%s(approved=%t, timed_out=%t)", o.Status, o.Approved, o.TimedOut)
}
