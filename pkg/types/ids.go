// Package types holds the data model shared across components: identifiers,
// workspaces, VNodes, sessions, locks, memory items, and agent process records.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/oklog/ulid/v2"
)

// WorkspaceID identifies a workspace. Opaque, not ordered by creation time.
type WorkspaceID string

// VNodeID identifies a VNode within a workspace.
type VNodeID string

// SessionID identifies an agent session.
type SessionID string

// AgentID identifies an agent process/instance.
type AgentID string

// LockID identifies a granted or pending lock.
type LockID string

// ContentHash is a 256-bit, hex-encoded content hash.
type ContentHash string

// NewID returns a fresh 128-bit opaque identifier rendered as 26-char ULID
// text. IDs are intentionally not meaningfully ordered by the caller; callers
// that need creation order store a timestamp field explicitly.
func NewID() string {
	return ulid.Make().String()
}

func NewWorkspaceID() WorkspaceID { return WorkspaceID(NewID()) }
func NewVNodeID() VNodeID         { return VNodeID(NewID()) }
func NewSessionID() SessionID     { return SessionID(NewID()) }
func NewAgentID() AgentID         { return AgentID(NewID()) }
func NewLockID() LockID           { return LockID(NewID()) }

// HashBytes computes the content hash of a byte slice. Equal byte sequences
// always produce equal hashes, including the empty sequence.
func HashBytes(b []byte) ContentHash {
	sum := sha256.Sum256(b)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// Hasher streams bytes into a content hash without holding the whole payload
// in memory at once. Write never returns an error.
type Hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewHasher returns a ready-to-use streaming content hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum finalizes the hash computed so far.
func (h *Hasher) Sum() ContentHash {
	return ContentHash(hex.EncodeToString(h.h.Sum(nil)))
}
