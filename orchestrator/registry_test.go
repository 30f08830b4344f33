package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/testutil"
	"github.com/BaSui01/fleetflow/testutil/mocks"
	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow"
)

const definitionsYAML = `
fleets:
  - name: review
    members:
      - {name: a, role: worker, tier: 1, capability_ref: reviewer}
      - {name: b, role: worker, tier: 1, capability_ref: reviewer}
    coordination:
      mode: peer
      consensus:
        algorithm: majority
        timeout: 2s
workflows:
  - name: triage
    entrypoint: classify
    steps:
      classify:
        type: agent
        agent: {capability_ref: reviewer, prompt: "classify ${ticket}"}
      done:
        type: end
    connections:
      - {from: classify, to: done}
---
workflows:
  - name: broken
    entrypoint: missing
    steps:
      done: {type: end}
`

func TestRegistry_Load(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	err := reg.Load(strings.NewReader(definitionsYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `workflow "broken"`)

	assert.Equal(t, []string{"review"}, reg.FleetNames())
	assert.Equal(t, []string{"triage"}, reg.WorkflowNames())

	def, ok := reg.Fleet("review")
	require.True(t, ok)
	assert.Equal(t, fleet.ModePeer, def.Coordination.Mode)
	assert.Equal(t, 2*time.Second, def.Coordination.Consensus.Timeout)

	wf, ok := reg.Workflow("triage")
	require.True(t, ok)
	assert.Equal(t, "classify", wf.Steps["classify"].ID)
}

func TestRegistry_LoadRejectsUnknownFields(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	err := reg.Load(strings.NewReader("fleets:\n  - name: x\n    colour: red\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse definitions")
	assert.Empty(t, reg.FleetNames())
}

func TestRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Split(definitionsYAML, "---")[0]), 0o600))

	reg := NewRegistry(nil, zap.NewNop())
	require.NoError(t, reg.LoadFile(path))
	assert.Equal(t, []string{"triage"}, reg.WorkflowNames())

	err := reg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRegistry_RegisterValidates(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())

	err := reg.RegisterFleet(&fleet.Definition{Name: "empty", Coordination: fleet.CoordinationConfig{Mode: fleet.ModePeer}})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	err = reg.RegisterWorkflow(&workflow.Definition{Name: "nowhere", Entrypoint: "x"})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	assert.Empty(t, reg.FleetNames())
	assert.Empty(t, reg.WorkflowNames())
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	reg.RegisterCapability("reviewer", mocks.NewMockCapability())

	c, err := reg.Resolve("reviewer")
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = reg.Resolve("ghost")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	_, err = reg.FleetDefinition("ghost")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}
