package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/runtime/pkg/types"
)

// Registry tracks every agent instance known to the runtime, indexed by id
// and by name.
type Registry struct {
	mu        sync.RWMutex
	instances map[types.AgentID]*Instance
	byName    map[string]types.AgentID
}

// NewRegistry creates an empty agent instance registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[types.AgentID]*Instance),
		byName:    make(map[string]types.AgentID),
	}
}

// Register adds a freshly spawned agent instance in the Idle state.
func (r *Registry) Register(name, agentType string, capabilities []string) *Instance {
	return r.RegisterWithID(types.NewAgentID(), name, agentType, capabilities)
}

// RegisterWithID adds a freshly spawned agent instance under a caller-chosen
// id. The runtime uses this to key an instance by the AgentID the process
// manager already minted when it spawned the underlying OS process, so a
// single id threads through both the process record and the instance
// lifecycle.
func (r *Registry) RegisterWithID(id types.AgentID, name, agentType string, capabilities []string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	inst := &Instance{
		ID:           id,
		Name:         name,
		AgentType:    agentType,
		Capabilities: capabilities,
		State:        types.InstanceIdle,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	r.instances[inst.ID] = inst
	r.byName[name] = inst.ID
	return inst
}

// Get retrieves an agent instance by id.
func (r *Registry) Get(id types.AgentID) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	return inst.Clone(), nil
}

// GetByName retrieves an agent instance by its registered name.
func (r *Registry) GetByName(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", name)
	}
	return r.instances[id].Clone(), nil
}

// Transition moves an agent instance to a new lifecycle state, rejecting
// edges not present in the allowed graph.
func (r *Registry) Transition(id types.AgentID, to types.AgentInstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	if !CanTransition(inst.State, to) {
		return &ErrInvalidTransition{From: inst.State, To: to}
	}
	inst.State = to
	inst.LastActiveAt = time.Now()
	return nil
}

// Unregister removes an agent instance from the registry.
func (r *Registry) Unregister(id types.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[id]; ok {
		delete(r.byName, inst.Name)
		delete(r.instances, id)
	}
}

// List returns a snapshot of every registered agent instance.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// Count returns the number of registered agent instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Exists reports whether an agent id is registered.
func (r *Registry) Exists(id types.AgentID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[id]
	return ok
}
