package types

import "time"

// IsolationLevel selects how a session observes concurrent changes to its
// parent workspace.
type IsolationLevel string

const (
	ReadCommitted IsolationLevel = "read_committed"
	Snapshot      IsolationLevel = "snapshot"
	Serializable  IsolationLevel = "serializable"
)

// SessionState is a node in the session lifecycle state machine:
//
//	Active -> Suspended <-> Active -> Committing -> (Merged | Aborted)
//
// Merged and Aborted are terminal (absorbing) states.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionSuspended  SessionState = "suspended"
	SessionCommitting SessionState = "committing"
	SessionMerged     SessionState = "merged"
	SessionAborted    SessionState = "aborted"
)

// ChangeOp enumerates the kinds of mutation recorded in a session's change
// journal.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
	OpMove   ChangeOp = "move"
)

// ChangeRecord is one entry in a session's append-only change journal.
type ChangeRecord struct {
	Op        ChangeOp    `json:"op"`
	VNodeID   VNodeID     `json:"vnodeId"`
	Path      string      `json:"path"`
	FromPath  string      `json:"fromPath,omitempty"` // set when Op == OpMove
	Before    ContentHash `json:"before,omitempty"`
	After     ContentHash `json:"after,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentSession is an agent-scoped isolated view of a workspace.
type AgentSession struct {
	ID             SessionID      `json:"id"`
	AgentID        AgentID        `json:"agentId"`
	WorkspaceID    WorkspaceID    `json:"workspaceId"`
	IsolationLevel IsolationLevel `json:"isolationLevel"`
	State          SessionState   `json:"state"`
	CreatedAt      time.Time      `json:"createdAt"`
	ChangeJournal  []ChangeRecord `json:"changeJournal"`
	ParentSession  *SessionID     `json:"parentSession,omitempty"`
	// BaseVersion snapshots the parent workspace's logical clock at Open,
	// used by Snapshot isolation to detect commit conflicts.
	BaseVersion uint64 `json:"baseVersion"`
}

// sessionTransitions enumerates the allowed edges of the session state
// machine (spec.md §4.F).
var sessionTransitions = map[SessionState][]SessionState{
	SessionActive:     {SessionSuspended, SessionCommitting, SessionAborted},
	SessionSuspended:  {SessionActive, SessionAborted},
	SessionCommitting: {SessionMerged, SessionAborted},
	SessionMerged:     {},
	SessionAborted:    {},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// of the session lifecycle graph.
func CanTransition(from, to SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a session state is absorbing.
func IsTerminal(s SessionState) bool {
	return s == SessionMerged || s == SessionAborted
}
