package main

import (
	"context"
	"strings"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/orchestrator"
	"github.com/BaSui01/fleetflow/types"
)

// 内置能力。嵌入方通过 orchestrator.Registry.RegisterCapability 注册真正的模型能力，
// 这里只提供便于冒烟测试和演示定义的确定性实现。
const (
	capEcho    = "builtin.echo"
	capApprove = "builtin.approve"
	capReject  = "builtin.reject"
)

func registerBuiltinCapabilities(reg *orchestrator.Registry) {
	reg.RegisterCapability(capEcho, agent.CapabilityFunc(echo))
	reg.RegisterCapability(capApprove, constant("approve"))
	reg.RegisterCapability(capReject, constant("reject"))
}

// echo 原样返回任务内容，没有内容时返回 input.decision
func echo(_ context.Context, task *types.Task) (*types.AgentResult, error) {
	content := strings.TrimSpace(task.Content)
	if content == "" {
		if d, ok := task.Input["decision"].(string); ok {
			content = d
		}
	}
	return &types.AgentResult{Content: content, Confidence: 1}, nil
}

func constant(decision string) agent.Capability {
	return agent.CapabilityFunc(func(ctx context.Context, _ *types.Task) (*types.AgentResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &types.AgentResult{Content: decision, Confidence: 1}, nil
	})
}
