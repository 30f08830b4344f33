package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/api"
	"github.com/BaSui01/fleetflow/orchestrator"
	"github.com/BaSui01/fleetflow/types"
)

// RunService is the subset of orchestrator.Runtime the HTTP API drives.
type RunService interface {
	Submit(ctx context.Context, ref string, input map[string]any) (string, error)
	GetStatus(ctx context.Context, runID string) (*orchestrator.Status, error)
	Cancel(runID string) error
	Pause(runID string) error
	ListActiveRuns() []*orchestrator.Status
	ResolveApproval(ctx context.Context, runID, approver string, decision hitl.Decision, comment string) (*hitl.ApprovalRequest, error)
	Resume(ctx context.Context, workflowName, runID string) (string, error)
}

// DefinitionCatalog lists registered definitions.
type DefinitionCatalog interface {
	FleetNames() []string
	WorkflowNames() []string
}

// RunHandler serves /v1/runs and /v1/definitions.
type RunHandler struct {
	runs   RunService
	defs   DefinitionCatalog
	logger *zap.Logger
}

// NewRunHandler creates a run handler. defs may be nil.
func NewRunHandler(runs RunService, defs DefinitionCatalog, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, defs: defs, logger: logger.With(zap.String("component", "run_handler"))}
}

// Register mounts the run routes on mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.HandleSubmit)
	mux.HandleFunc("GET /v1/runs", h.HandleListActive)
	mux.HandleFunc("GET /v1/runs/{id}", h.HandleGetStatus)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/pause", h.HandlePause)
	mux.HandleFunc("POST /v1/runs/{id}/resume", h.HandleResume)
	mux.HandleFunc("POST /v1/runs/{id}/approval", h.HandleApproval)
	mux.HandleFunc("GET /v1/definitions", h.HandleDefinitions)
}

// HandleSubmit starts a run and answers 202 without waiting for it.
func (h *RunHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.SubmitRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	id, err := h.runs.Submit(r.Context(), req.Ref, req.Input)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("run submitted", zap.String("run_id", id), zap.String("ref", req.Ref))
	w.Header().Set("Location", "/v1/runs/"+id)
	WriteStatus(w, http.StatusAccepted, api.SubmitRunResponse{RunID: id, StatusURL: "/v1/runs/" + id})
}

// HandleListActive lists runs that have not reached a terminal status.
func (h *RunHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.ListActiveRuns()
	if runs == nil {
		runs = []*orchestrator.Status{}
	}
	WriteSuccess(w, api.RunList{Runs: runs, Count: len(runs)})
}

func (h *RunHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}

func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r.PathValue("id"), "cancel", h.runs.Cancel)
}

func (h *RunHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.action(w, r.PathValue("id"), "pause", h.runs.Pause)
}

func (h *RunHandler) action(w http.ResponseWriter, id, name string, fn func(string) error) {
	if err := fn(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("run "+name+" requested", zap.String("run_id", id))
	WriteStatus(w, http.StatusAccepted, api.RunActionResponse{RunID: id, Action: name})
}

// HandleResume continues a paused or interrupted workflow run from its
// latest checkpoint. The workflow name defaults to the one recorded in
// the run's status.
func (h *RunHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req api.ResumeRunRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	name := strings.TrimSpace(req.Workflow)
	if name == "" {
		st, err := h.runs.GetStatus(r.Context(), id)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		if st.Kind != orchestrator.KindWorkflow {
			WriteErrorMessage(w, types.ErrInvalidRequest, "only workflow runs can be resumed", h.logger)
			return
		}
		name = st.Name
	}
	resumed, err := h.runs.Resume(r.Context(), name, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, api.RunActionResponse{RunID: resumed, Action: "resume"})
}

// HandleApproval records a decision on the run's pending approval.
func (h *RunHandler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ResolveApprovalRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	decision, err := hitl.ParseDecision(req.Decision)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	approver := strings.TrimSpace(req.Approver)
	if approver == "" {
		approver, _ = types.Subject(r.Context())
	}
	if approver == "" {
		WriteErrorMessage(w, types.ErrInvalidRequest, "approver is required", h.logger)
		return
	}

	approval, err := h.runs.ResolveApproval(r.Context(), r.PathValue("id"), approver, decision, req.Comment)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("approval resolved",
		zap.String("run_id", approval.RunID),
		zap.String("approver", approver),
		zap.String("decision", string(decision)),
	)
	WriteSuccess(w, approvalResponse(approval))
}

func approvalResponse(req *hitl.ApprovalRequest) api.ApprovalResponse {
	return api.ApprovalResponse{
		ID:         req.ID,
		RunID:      req.RunID,
		StepID:     req.StepID,
		Status:     string(req.Status),
		Decisions:  len(req.Decisions),
		Required:   req.RequiredApprovals,
		ResolvedAt: req.ResolvedAt,
	}
}

func (h *RunHandler) HandleDefinitions(w http.ResponseWriter, r *http.Request) {
	resp := api.DefinitionsResponse{Fleets: []string{}, Workflows: []string{}}
	if h.defs != nil {
		resp.Fleets = append(resp.Fleets, h.defs.FleetNames()...)
		resp.Workflows = append(resp.Workflows, h.defs.WorkflowNames()...)
	}
	WriteSuccess(w, resp)
}
