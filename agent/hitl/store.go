package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/types"
)

// ApprovalStore 定义了审批请求的存储接口.
type ApprovalStore interface {
	Save(ctx context.Context, req *ApprovalRequest) error
	Load(ctx context.Context, id string) (*ApprovalRequest, error)
	List(ctx context.Context, runID string, status ApprovalStatus) ([]*ApprovalRequest, error)
	Update(ctx context.Context, req *ApprovalRequest) error
}

// InMemoryApprovalStore 为审批请求提供内存存储.
type InMemoryApprovalStore struct {
	requests map[string]*ApprovalRequest
	mu       sync.RWMutex
}

// NewInMemoryApprovalStore 创建内存存储.
func NewInMemoryApprovalStore() *InMemoryApprovalStore {
	return &InMemoryApprovalStore{requests: make(map[string]*ApprovalRequest)}
}

func (s *InMemoryApprovalStore) Save(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryApprovalStore) Load(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval not found: %s", id)
	}
	return req.Clone(), nil
}

func (s *InMemoryApprovalStore) List(ctx context.Context, runID string, status ApprovalStatus) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ApprovalRequest
	for _, req := range s.requests {
		if matches(req, runID, status) {
			results = append(results, req.Clone())
		}
	}
	sortByCreated(results)
	return results, nil
}

func (s *InMemoryApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	return s.Save(ctx, req)
}

const approvalNamespace = "approvals"

// KVApprovalStore 将审批请求保存在 persistence.Store 中, 跨进程可见.
type KVApprovalStore struct {
	store persistence.Store
}

// NewKVApprovalStore 创建基于键值存储的审批存储.
func NewKVApprovalStore(store persistence.Store) *KVApprovalStore {
	return &KVApprovalStore{store: store}
}

func (s *KVApprovalStore) Save(ctx context.Context, req *ApprovalRequest) error {
	return persistence.PutJSON(ctx, s.store, approvalNamespace, req.ID, req, 0)
}

func (s *KVApprovalStore) Load(ctx context.Context, id string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := persistence.GetJSON(ctx, s.store, approvalNamespace, id, &req); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Errorf(types.ErrNotFound, "approval not found: %s", id)
		}
		return nil, types.NewError(types.ErrPersistence, "failed to load approval").WithCause(err)
	}
	return &req, nil
}

func (s *KVApprovalStore) List(ctx context.Context, runID string, status ApprovalStatus) ([]*ApprovalRequest, error) {
	entries, err := s.store.List(ctx, approvalNamespace)
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "failed to list approvals").WithCause(err)
	}

	var results []*ApprovalRequest
	for _, e := range entries {
		var req ApprovalRequest
		if err := unmarshalEntry(e, &req); err != nil {
			return nil, err
		}
		if matches(&req, runID, status) {
			results = append(results, &req)
		}
	}
	sortByCreated(results)
	return results, nil
}

func (s *KVApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	return s.Save(ctx, req)
}

func matches(req *ApprovalRequest, runID string, status ApprovalStatus) bool {
	return (runID == "" || req.RunID == runID) && (status == "" || req.Status == status)
}

func sortByCreated(reqs []*ApprovalRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func unmarshalEntry(e persistence.Entry, v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return types.NewError(types.ErrPersistence, "corrupt approval entry "+e.Key).WithCause(err)
	}
	return nil
}
