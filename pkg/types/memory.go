package types

import "time"

// MemoryOutcome is the result of an episode of work.
type MemoryOutcome string

const (
	OutcomeSuccess MemoryOutcome = "success"
	OutcomeFailure MemoryOutcome = "failure"
	OutcomePartial MemoryOutcome = "partial"
)

// MemoryHeader is the common header shared by every memory item regardless
// of tier.
type MemoryHeader struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	AccessedAt    time.Time  `json:"accessedAt"`
	AccessCount   int64      `json:"accessCount"`
	Importance    float64    `json:"importance"` // in [0,1]
	SourceSession *SessionID `json:"sourceSession,omitempty"`
	Embedding     []float32  `json:"embedding,omitempty"`
}

// WorkingItem is a bounded-recency cache entry (capacity 7±2, LRU eviction).
type WorkingItem struct {
	MemoryHeader
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}

// Episode is a recorded unit of work (episodic tier).
type Episode struct {
	MemoryHeader
	Task            string        `json:"task"`
	AgentID         AgentID       `json:"agentId"`
	WorkspaceID     WorkspaceID   `json:"workspaceId"`
	Outcome         MemoryOutcome `json:"outcome"`
	ContextSnapshot string        `json:"contextSnapshot,omitempty"`
	Queries         []string      `json:"queries,omitempty"`
	FilesTouched    []string      `json:"filesTouched,omitempty"`
	TokensUsed      int64         `json:"tokensUsed"`
	PatternValue    float64       `json:"patternValue"`
}

// SemanticKind enumerates the kinds of semantic-tier units.
type SemanticKind string

const (
	SemanticCodeUnit    SemanticKind = "code_unit"
	SemanticPattern      SemanticKind = "pattern"
	SemanticArchitecture SemanticKind = "architecture"
	SemanticConvention   SemanticKind = "convention"
)

// SemanticUnit is a named code structure or extracted pattern (semantic
// tier), cross-referenced with the VFS via SourceHash.
type SemanticUnit struct {
	MemoryHeader
	Kind         SemanticKind `json:"kind"`
	Name         string       `json:"name"`
	SourceHash   ContentHash  `json:"sourceHash,omitempty"`
	Signature    string       `json:"signature,omitempty"`
	References   []string     `json:"references,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// Procedure is a learned sequence of steps keyed by a trigger signature
// (procedural tier).
type Procedure struct {
	MemoryHeader
	Name             string   `json:"name"`
	TriggerSignature string   `json:"triggerSignature"`
	Steps            []string `json:"steps"`
	SuccessRate      float64  `json:"successRate"`
	Frequency        int64    `json:"frequency"`
}

// MemoryQueryIntent describes a cross-tier fused query (component I).
type MemoryQueryIntent struct {
	Text       string
	AgentID    AgentID
	Workspace  WorkspaceID
	TimeFrom   *time.Time
	TimeTo     *time.Time
	Outcome    *MemoryOutcome
	Embedding  []float32
	Limit      int
}

// RankedItem is one fused-query result: the underlying item plus its final
// normalized score.
type RankedItem struct {
	Tier  string  `json:"tier"`
	Item  any     `json:"item"`
	Score float64 `json:"score"`
}

// ConsolidationReport summarizes a single consolidation pass (component J).
type ConsolidationReport struct {
	Promoted          int `json:"promoted"`
	Merged            int `json:"merged"`
	Purged            int `json:"purged"`
	PatternsExtracted int `json:"patternsExtracted"`
}
