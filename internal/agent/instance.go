// Package agent holds the runtime-level agent instance table: the logical
// lifecycle of an agent (as opposed to the OS process lifecycle, which is
// internal/procmgr's concern).
package agent

import (
	"fmt"
	"time"

	"github.com/agentmesh/runtime/pkg/types"
)

// instanceTransitions enumerates the legal edges of the agent instance
// lifecycle (spec.md §4.M): Idle -> Assigned -> Working -> (Completed |
// Failed); Completed/Failed -> Idle on reset; Failed -> Assigned on retry.
var instanceTransitions = map[types.AgentInstanceState][]types.AgentInstanceState{
	types.InstanceIdle:      {types.InstanceAssigned},
	types.InstanceAssigned:  {types.InstanceWorking},
	types.InstanceWorking:   {types.InstanceCompleted, types.InstanceFailed},
	types.InstanceCompleted: {types.InstanceIdle},
	types.InstanceFailed:    {types.InstanceIdle, types.InstanceAssigned},
}

// CanTransition reports whether moving an agent instance from "from" to "to"
// is a legal edge of the lifecycle graph.
func CanTransition(from, to types.AgentInstanceState) bool {
	for _, s := range instanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is one logical agent known to the runtime: its declared type and
// capabilities, and its current place in the Idle/Assigned/Working/
// Completed/Failed lifecycle.
type Instance struct {
	ID           types.AgentID
	Name         string
	AgentType    string
	Capabilities []string
	State        types.AgentInstanceState
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Clone returns a deep-enough copy safe for the caller to mutate without
// affecting the registry's copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Capabilities = append([]string(nil), i.Capabilities...)
	return &c
}

// HasCapability reports whether the instance declares the given capability.
func (i *Instance) HasCapability(cap string) bool {
	for _, c := range i.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a caller requests an illegal state
// transition.
type ErrInvalidTransition struct {
	From, To types.AgentInstanceState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("agent instance: invalid transition %s -> %s", e.From, e.To)
}
