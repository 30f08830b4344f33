// MockCapability 的 Agent Capability 测试模拟实现。
//
// 支持固定响应、按任务生成响应、延迟与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/types"
)

// --- MockCapability 结构 ---

// MockCapability 是 agent.Capability 的模拟实现
type MockCapability struct {
	mu sync.RWMutex

	// 响应配置
	content    string
	confidence float64
	err        error
	respond    func(ctx context.Context, task *types.Task) (*types.AgentResult, error)

	// 行为控制
	delay     time.Duration
	failFirst int // 前 N 次调用失败
	failAfter int // 在第 N 次调用后失败

	// 调用记录
	calls []*types.Task
}

// ErrMockFailure 是注入失败时返回的默认错误
var ErrMockFailure = errors.New("mock capability failure")

// --- 构造函数和 Builder 方法 ---

// NewMockCapability 创建新的 MockCapability
func NewMockCapability() *MockCapability {
	return &MockCapability{content: "mock response", confidence: 1}
}

// WithResponse 设置固定响应内容与置信度
func (m *MockCapability) WithResponse(content string, confidence float64) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	m.confidence = confidence
	return m
}

// WithError 设置返回错误
func (m *MockCapability) WithError(err error) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFunc 设置自定义响应函数，优先级高于固定响应
func (m *MockCapability) WithFunc(fn func(ctx context.Context, task *types.Task) (*types.AgentResult, error)) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
	return m
}

// WithDelay 设置模拟延迟，延迟期间尊重 ctx 取消
func (m *MockCapability) WithDelay(d time.Duration) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailFirst 前 n 次调用返回错误
func (m *MockCapability) WithFailFirst(n int, err error) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.err = err
	return m
}

// WithFailAfter 在第 n 次调用之后返回错误
func (m *MockCapability) WithFailAfter(n int) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// --- Capability 接口实现 ---

// Execute 实现 agent.Capability
func (m *MockCapability) Execute(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task)
	n := len(m.calls)
	delay, respond, err := m.delay, m.respond, m.err
	content, confidence := m.content, m.confidence
	failFirst, failAfter := m.failFirst, m.failAfter
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case failFirst > 0 && n <= failFirst:
		if err == nil {
			err = ErrMockFailure
		}
		return nil, err
	case failAfter > 0 && n > failAfter:
		return nil, ErrMockFailure
	case failFirst == 0 && err != nil:
		return nil, err
	}

	if respond != nil {
		return respond(ctx, task)
	}
	return &types.AgentResult{Content: content, Confidence: confidence}, nil
}

// --- 调用记录 ---

// CallCount 返回调用次数
func (m *MockCapability) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Calls 返回所有调用的任务
func (m *MockCapability) Calls() []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*types.Task(nil), m.calls...)
}

// LastTask 返回最近一次调用的任务
func (m *MockCapability) LastTask() *types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Reset 清空调用记录
func (m *MockCapability) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
