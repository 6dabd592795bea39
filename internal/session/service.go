// Package session implements the Session & Lock Manager's session half:
// opening agent-scoped isolated views of a workspace, recording change
// journals, and driving commit/abort/fork per the session lifecycle state
// machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

// Service manages agent session lifecycle: open, suspend/resume, fork,
// commit, and abort.
type Service struct {
	storage *storage.Storage
	bus     *event.Bus

	mu      sync.RWMutex
	abortCh map[types.SessionID]chan struct{}
}

// NewService creates a session service backed by the given store.
func NewService(store *storage.Storage, bus *event.Bus) *Service {
	return &Service{
		storage: store,
		bus:     bus,
		abortCh: make(map[types.SessionID]chan struct{}),
	}
}

func sessionKey(id types.SessionID) []string {
	return []string{"session", string(id)}
}

// Open creates a new session scoped to a workspace for the given agent, at
// the requested isolation level.
func (s *Service) Open(ctx context.Context, agentID types.AgentID, workspaceID types.WorkspaceID, level types.IsolationLevel, baseVersion uint64) (*types.AgentSession, error) {
	sess := &types.AgentSession{
		ID:             types.NewSessionID(),
		AgentID:        agentID,
		WorkspaceID:    workspaceID,
		IsolationLevel: level,
		State:          types.SessionActive,
		CreatedAt:      time.Now(),
		BaseVersion:    baseVersion,
	}

	if err := s.storage.Put(ctx, sessionKey(sess.ID), sess); err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionCreated, Data: string(sess.ID)})
	}
	return sess, nil
}

// Get retrieves a session by id.
func (s *Service) Get(ctx context.Context, id types.SessionID) (*types.AgentSession, error) {
	var sess types.AgentSession
	if err := s.storage.Get(ctx, sessionKey(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns every known session.
func (s *Service) List(ctx context.Context) ([]*types.AgentSession, error) {
	var sessions []*types.AgentSession
	err := s.storage.Scan(ctx, []string{"session"}, func(_ string, data json.RawMessage) error {
		var sess types.AgentSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		sessions = append(sessions, &sess)
		return nil
	})
	return sessions, err
}

// transition validates and persists a session state change.
func (s *Service) transition(ctx context.Context, id types.SessionID, to types.SessionState) (*types.AgentSession, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(sess.State, to) {
		return nil, fmt.Errorf("session: illegal transition %s -> %s", sess.State, to)
	}
	sess.State = to
	if err := s.storage.Put(ctx, sessionKey(id), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Suspend parks an active session without discarding its change journal.
func (s *Service) Suspend(ctx context.Context, id types.SessionID) error {
	_, err := s.transition(ctx, id, types.SessionSuspended)
	return err
}

// Resume reactivates a suspended session.
func (s *Service) Resume(ctx context.Context, id types.SessionID) error {
	_, err := s.transition(ctx, id, types.SessionActive)
	return err
}

// RecordChange appends one entry to a session's change journal. Sessions
// observe their own writes immediately regardless of isolation level; the
// isolation level governs visibility of concurrent writes from siblings,
// enforced by the VFS/merge layer at commit time.
func (s *Service) RecordChange(ctx context.Context, id types.SessionID, rec types.ChangeRecord) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.State != types.SessionActive {
		return fmt.Errorf("session: cannot record change in state %s", sess.State)
	}
	rec.Timestamp = time.Now()
	sess.ChangeJournal = append(sess.ChangeJournal, rec)
	return s.storage.Put(ctx, sessionKey(id), sess)
}

// Fork opens a child session that inherits the parent's change journal up
// to the fork point and starts a fresh isolated view from there.
func (s *Service) Fork(ctx context.Context, parentID types.SessionID) (*types.AgentSession, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	child := &types.AgentSession{
		ID:             types.NewSessionID(),
		AgentID:        parent.AgentID,
		WorkspaceID:    parent.WorkspaceID,
		IsolationLevel: parent.IsolationLevel,
		State:          types.SessionActive,
		CreatedAt:      time.Now(),
		ParentSession:  &parentID,
		BaseVersion:    parent.BaseVersion,
		ChangeJournal:  append([]types.ChangeRecord(nil), parent.ChangeJournal...),
	}

	if err := s.storage.Put(ctx, sessionKey(child.ID), child); err != nil {
		return nil, err
	}
	return child, nil
}

// GetChildren returns sessions forked from the given parent.
func (s *Service) GetChildren(ctx context.Context, parentID types.SessionID) ([]*types.AgentSession, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var children []*types.AgentSession
	for _, sess := range all {
		if sess.ParentSession != nil && *sess.ParentSession == parentID {
			children = append(children, sess)
		}
	}
	return children, nil
}

// BeginCommit moves a session into Committing, the point at which the
// caller should run the merge engine against the session's change journal.
// Merged/Aborted is decided by the caller after the merge outcome.
func (s *Service) BeginCommit(ctx context.Context, id types.SessionID) (*types.AgentSession, error) {
	return s.transition(ctx, id, types.SessionCommitting)
}

// FinishCommit marks a committing session Merged after its change journal
// has been successfully applied to the parent workspace.
func (s *Service) FinishCommit(ctx context.Context, id types.SessionID) error {
	_, err := s.transition(ctx, id, types.SessionMerged)
	if err == nil && s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionMerged, Data: string(id)})
	}
	return err
}

// Abort discards a session's change journal and moves it to the terminal
// Aborted state, unblocking any in-flight work waiting on it.
func (s *Service) Abort(ctx context.Context, id types.SessionID) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !types.CanTransition(sess.State, types.SessionAborted) {
		return fmt.Errorf("session: illegal transition %s -> %s", sess.State, types.SessionAborted)
	}
	sess.State = types.SessionAborted
	sess.ChangeJournal = nil
	if err := s.storage.Put(ctx, sessionKey(id), sess); err != nil {
		return err
	}

	s.mu.Lock()
	if ch, ok := s.abortCh[id]; ok {
		close(ch)
		delete(s.abortCh, id)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionAborted, Data: string(id)})
	}
	return nil
}

// AbortSignal returns a channel closed when the session is aborted, for
// callers driving a long-running task to select on.
func (s *Service) AbortSignal(id types.SessionID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.abortCh[id]
	if !ok {
		ch = make(chan struct{})
		s.abortCh[id] = ch
	}
	return ch
}

// Delete removes a terminal session's bookkeeping.
func (s *Service) Delete(ctx context.Context, id types.SessionID) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !types.IsTerminal(sess.State) {
		return fmt.Errorf("session: cannot delete non-terminal session in state %s", sess.State)
	}
	return s.storage.Delete(ctx, sessionKey(id))
}
