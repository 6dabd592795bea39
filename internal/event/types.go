package event

import "github.com/agentmesh/runtime/pkg/types"

// SessionCreatedData is the payload for session.created events.
type SessionCreatedData struct {
	SessionID   types.SessionID   `json:"sessionId"`
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
}

// SessionTerminalData is the payload for session.merged/session.aborted
// events.
type SessionTerminalData struct {
	SessionID types.SessionID `json:"sessionId"`
}

// LockEventData is the payload for lock.acquired/lock.released events.
type LockEventData struct {
	LockID    types.LockID `json:"lockId"`
	EntityID  string       `json:"entityId"`
	SessionID types.SessionID `json:"sessionId"`
}

// LockDeadlockData is the payload for lock.deadlock events, fired when the
// wait-for graph cycle detector picks a victim.
type LockDeadlockData struct {
	VictimSession types.SessionID   `json:"victimSession"`
	Cycle         []types.SessionID `json:"cycle"`
}

// AgentSpawnedData is the payload for agent.spawned events.
type AgentSpawnedData struct {
	AgentID types.AgentID `json:"agentId"`
	PID     int           `json:"pid"`
}

// AgentTerminatedData is the payload for agent.terminated events.
type AgentTerminatedData struct {
	AgentID  types.AgentID `json:"agentId"`
	ExitCode int           `json:"exitCode"`
	Reason   string        `json:"reason,omitempty"`
}

// TaskOutcomeData is the payload for task.completed/task.failed events.
type TaskOutcomeData struct {
	AgentID types.AgentID    `json:"agentId"`
	Outcome types.TaskOutcome `json:"outcome"`
}

// WorkspaceForkedData is the payload for workspace.forked events.
type WorkspaceForkedData struct {
	ParentWorkspaceID types.WorkspaceID `json:"parentWorkspaceId"`
	ChildWorkspaceID  types.WorkspaceID `json:"childWorkspaceId"`
}

// MergeCompletedData is the payload for merge.completed events.
type MergeCompletedData struct {
	SessionID types.SessionID `json:"sessionId"`
	Applied   int             `json:"applied"`
	Conflicts int             `json:"conflicts"`
}

// FileEditedData is the payload for file.edited events.
type FileEditedData struct {
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	Path        string            `json:"path"`
}

// MemoryConsolidatedData is the payload for memory.consolidated events.
type MemoryConsolidatedData struct {
	Report types.ConsolidationReport `json:"report"`
}
