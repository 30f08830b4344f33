package orchestrator

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow"
)

// Registry holds the definitions and capabilities a Runtime can run. The
// host builds it and passes it to NewRuntime.
type Registry struct {
	mu           sync.RWMutex
	fleets       map[string]*fleet.Definition
	workflows    map[string]*workflow.Definition
	capabilities *agent.Registry
	engine       *consensus.Engine
	logger       *zap.Logger
}

// NewRegistry creates an empty registry. engine decides which consensus
// algorithms fleet definitions may use; nil allows the built-in set.
func NewRegistry(engine *consensus.Engine, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		fleets:       make(map[string]*fleet.Definition),
		workflows:    make(map[string]*workflow.Definition),
		capabilities: agent.NewRegistry(logger),
		engine:       engine,
		logger:       logger.With(zap.String("component", "orchestrator_registry")),
	}
}

// RegisterCapability binds a capability reference.
func (r *Registry) RegisterCapability(ref string, c agent.Capability) {
	r.capabilities.Register(ref, c)
}

// Capabilities returns the capability registry.
func (r *Registry) Capabilities() *agent.Registry { return r.capabilities }

// Resolve implements fleet.CapabilityResolver and workflow.CapabilityResolver.
func (r *Registry) Resolve(ref string) (agent.Capability, error) {
	c, err := r.capabilities.Resolve(ref)
	if err != nil {
		return nil, types.Errorf(types.ErrNotFound, "capability %q is not registered", ref).WithCause(err)
	}
	return c, nil
}

// RegisterFleet validates and stores a fleet definition, replacing one
// with the same name.
func (r *Registry) RegisterFleet(def *fleet.Definition) error {
	if err := fleet.Validate(def, r.engine); err != nil {
		return err
	}
	r.mu.Lock()
	r.fleets[def.Name] = def
	r.mu.Unlock()
	r.logger.Info("fleet registered",
		zap.String("fleet", def.Name),
		zap.String("mode", string(def.Coordination.Mode)),
		zap.Int("members", len(def.Members)),
	)
	return nil
}

// RegisterWorkflow validates and stores a workflow definition.
func (r *Registry) RegisterWorkflow(def *workflow.Definition) error {
	if err := workflow.Validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	r.workflows[def.Name] = def
	r.mu.Unlock()
	r.logger.Info("workflow registered", zap.String("workflow", def.Name), zap.Int("steps", len(def.Steps)))
	return nil
}

// Fleet returns a registered fleet definition.
func (r *Registry) Fleet(name string) (*fleet.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.fleets[name]
	return def, ok
}

// FleetDefinition implements workflow.FleetCatalog.
func (r *Registry) FleetDefinition(name string) (*fleet.Definition, error) {
	def, ok := r.Fleet(name)
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "fleet %q is not registered", name)
	}
	return def, nil
}

// Workflow returns a registered workflow definition.
func (r *Registry) Workflow(name string) (*workflow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	return def, ok
}

// FleetNames lists registered fleets in sorted order.
func (r *Registry) FleetNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.fleets)
}

// WorkflowNames lists registered workflows in sorted order.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.workflows)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
