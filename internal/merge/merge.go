// Package merge implements the Merge Engine (component H): three-way
// reconciliation of a session's change journal against the current state of
// its parent workspace, conflict classification, resolution strategies, and
// an optional post-merge verification hook.
package merge

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentmesh/runtime/internal/content"
	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/vfs"
	"github.com/agentmesh/runtime/pkg/types"
)

// ConflictKind classifies why a change could not be merged automatically.
type ConflictKind string

const (
	ContentConflict ConflictKind = "content_conflict"
	DeleteModify    ConflictKind = "delete_modify"
	MoveMove        ConflictKind = "move_move"
	TypeChange      ConflictKind = "type_change"
)

// Strategy selects how conflicting changes are resolved.
type Strategy string

const (
	TakeOurs        Strategy = "take_ours"
	TakeTheirs      Strategy = "take_theirs"
	PreferNewer     Strategy = "prefer_newer"
	ManualResolve   Strategy = "manual_resolve"
	AbortOnConflict Strategy = "abort_on_conflict"
)

// Conflict describes one path where the session's change and the parent
// workspace's current state cannot be reconciled automatically.
type Conflict struct {
	Path   string            `json:"path"`
	Kind   ConflictKind      `json:"kind"`
	Op     types.ChangeOp    `json:"op"`
	Base   types.ContentHash `json:"base,omitempty"`
	Ours   types.ContentHash `json:"ours,omitempty"`
	Theirs types.ContentHash `json:"theirs,omitempty"`
	// Diff is a unified-style rendering of ours vs theirs, populated for
	// ContentConflict kinds where both sides' bytes are available and
	// text-like. Empty for binary content or non-content conflict kinds.
	Diff string `json:"diff,omitempty"`
}

// VerificationResult is the outcome of re-parsing affected files after a
// merge. The external parser is an opaque, pluggable dependency (its
// implementation is out of scope here); nil Verifier skips verification.
type VerificationResult struct {
	Verified bool     `json:"verified"`
	Failures []string `json:"failures,omitempty"`
}

// Verifier re-parses a merged file's content and reports a parse failure as
// an error. Plugged in by the caller; left nil, verification is skipped.
type Verifier func(ctx context.Context, path string, data []byte) error

// Report summarizes the outcome of a single Merge call.
type Report struct {
	Applied      int
	Skipped      int
	Conflicts    []Conflict
	Verification *VerificationResult
}

// Engine merges a session's change journal into the live state of its
// parent workspace.
type Engine struct {
	vfs     *vfs.VFS
	content *content.Store
	bus     *event.Bus
	verify  Verifier
	strict  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier installs a post-merge content verifier.
func WithVerifier(v Verifier) Option { return func(e *Engine) { e.verify = v } }

// WithStrictVerification rejects the whole merge if any verified file fails
// to parse, rather than merely recording the failure.
func WithStrictVerification() Option { return func(e *Engine) { e.strict = true } }

// New constructs a merge engine over a VFS and its backing content store.
func New(vfsys *vfs.VFS, contentStore *content.Store, bus *event.Bus, opts ...Option) *Engine {
	e := &Engine{vfs: vfsys, content: contentStore, bus: bus}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// plan is one journal entry's classification before any strategy is applied.
type plan struct {
	rec       types.ChangeRecord
	conflict  *Conflict
	theirsHas bool
	theirs    *types.VNode
}

// Merge reconciles journal (a session's ChangeJournal, in order) against the
// current live state of ws. Conflicts are resolved per strategy;
// resolutions supplies a per-path override for Strategy == ManualResolve.
// Merge is all-or-nothing under AbortOnConflict: if any path conflicts,
// nothing is applied and every conflict is reported.
func (e *Engine) Merge(ctx context.Context, ws types.WorkspaceID, sessionID types.SessionID, journal []types.ChangeRecord, strategy Strategy, resolutions map[string]Strategy) (*Report, error) {
	plans := make([]plan, 0, len(journal))
	for _, rec := range journal {
		p, err := e.classify(ctx, ws, rec)
		if err != nil {
			return nil, fmt.Errorf("merge: classify %s: %w", rec.Path, err)
		}
		plans = append(plans, p)
	}

	var conflicts []Conflict
	for _, p := range plans {
		if p.conflict != nil {
			conflicts = append(conflicts, *p.conflict)
		}
	}

	if len(conflicts) > 0 && (strategy == AbortOnConflict || strategy == "") {
		return &Report{Conflicts: conflicts}, nil
	}

	verification, err := e.runVerification(ctx, ws, plans, strategy, resolutions)
	if err != nil {
		return &Report{Conflicts: conflicts, Verification: verification}, err
	}

	report := &Report{Verification: verification}
	for _, p := range plans {
		resolved, apply, err := e.resolve(p, strategy, resolutions)
		if err != nil {
			return nil, err
		}
		if !apply {
			report.Skipped++
			continue
		}
		if err := e.apply(ctx, ws, resolved); err != nil {
			return nil, fmt.Errorf("merge: apply %s: %w", resolved.Path, err)
		}
		report.Applied++
	}
	report.Conflicts = conflicts

	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.MergeCompleted, Data: event.MergeCompletedData{
			SessionID: sessionID,
			Applied:   report.Applied,
			Conflicts: len(report.Conflicts),
		}})
	}
	return report, nil
}

// classify determines whether a journal entry applies cleanly or conflicts
// with the parent workspace's current state at that path.
func (e *Engine) classify(ctx context.Context, ws types.WorkspaceID, rec types.ChangeRecord) (plan, error) {
	path := rec.Path
	theirs, err := e.vfs.Stat(ctx, ws, path)
	theirsExists := err == nil
	if err != nil && !vfs.IsNotFound(err) {
		return plan{}, err
	}

	var theirsHash types.ContentHash
	if theirsExists {
		theirsHash = theirs.ContentHash
	}

	switch rec.Op {
	case types.OpCreate, types.OpUpdate:
		if !theirsExists {
			if rec.Before != "" {
				// They deleted what we based our edit on.
				return plan{rec: rec, conflict: &Conflict{Path: path, Kind: DeleteModify, Op: rec.Op, Base: rec.Before, Ours: rec.After}}, nil
			}
			return plan{rec: rec, theirsHas: false}, nil
		}
		if theirs.Kind != types.KindFile {
			return plan{rec: rec, conflict: &Conflict{Path: path, Kind: TypeChange, Op: rec.Op, Base: rec.Before, Ours: rec.After, Theirs: theirsHash}, theirsHas: true, theirs: theirs}, nil
		}
		if theirsHash == rec.After {
			// Idempotent: the live state already matches what we intended.
			return plan{rec: rec, theirsHas: true, theirs: theirs}, nil
		}
		if theirsHash == rec.Before {
			// Only we changed it since base.
			return plan{rec: rec, theirsHas: true, theirs: theirs}, nil
		}
		conflict := &Conflict{Path: path, Kind: ContentConflict, Op: rec.Op, Base: rec.Before, Ours: rec.After, Theirs: theirsHash}
		conflict.Diff = e.renderDiff(rec.After, theirsHash)
		return plan{rec: rec, conflict: conflict, theirsHas: true, theirs: theirs}, nil

	case types.OpDelete:
		if !theirsExists {
			// Already gone on both sides: idempotent delete.
			return plan{rec: rec, theirsHas: false}, nil
		}
		if theirsHash == rec.Before || theirsHash == "" {
			return plan{rec: rec, theirsHas: true, theirs: theirs}, nil
		}
		return plan{rec: rec, conflict: &Conflict{Path: path, Kind: DeleteModify, Op: rec.Op, Base: rec.Before, Theirs: theirsHash}, theirsHas: true, theirs: theirs}, nil

	case types.OpMove:
		from, to := rec.FromPath, rec.Path
		toExists, err := e.exists(ctx, ws, to)
		if err != nil {
			return plan{}, err
		}
		fromExists, err := e.exists(ctx, ws, from)
		if err != nil {
			return plan{}, err
		}
		if toExists || !fromExists {
			return plan{rec: rec, conflict: &Conflict{Path: to, Kind: MoveMove, Op: rec.Op, Base: rec.Before, Ours: rec.After}, theirsHas: theirsExists, theirs: theirs}, nil
		}
		return plan{rec: rec, theirsHas: theirsExists, theirs: theirs}, nil

	default:
		return plan{}, fmt.Errorf("unknown change op %q", rec.Op)
	}
}

func (e *Engine) exists(ctx context.Context, ws types.WorkspaceID, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := e.vfs.Stat(ctx, ws, path)
	if err == nil {
		return true, nil
	}
	if vfs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// resolve decides whether (and with which content) a classified plan should
// be applied to the workspace, after strategy-based conflict resolution.
func (e *Engine) resolve(p plan, strategy Strategy, resolutions map[string]Strategy) (types.ChangeRecord, bool, error) {
	if p.conflict == nil {
		return p.rec, true, nil
	}

	effective := strategy
	if strategy == ManualResolve {
		chosen, ok := resolutions[p.conflict.Path]
		if !ok {
			return p.rec, false, nil
		}
		effective = chosen
	}

	switch effective {
	case TakeOurs:
		return p.rec, true, nil
	case TakeTheirs:
		return p.rec, false, nil
	case PreferNewer:
		if p.theirs != nil && p.theirs.UpdatedAt.After(p.rec.Timestamp) {
			return p.rec, false, nil
		}
		return p.rec, true, nil
	default:
		return p.rec, false, nil
	}
}

func (e *Engine) runVerification(ctx context.Context, ws types.WorkspaceID, plans []plan, strategy Strategy, resolutions map[string]Strategy) (*VerificationResult, error) {
	if e.verify == nil {
		return nil, nil
	}
	result := &VerificationResult{Verified: true}
	for _, p := range plans {
		if p.rec.Op != types.OpCreate && p.rec.Op != types.OpUpdate {
			continue
		}
		resolved, apply, err := e.resolve(p, strategy, resolutions)
		if err != nil || !apply {
			continue
		}
		data, ok, err := e.content.Get(resolved.After)
		if err != nil || !ok {
			continue
		}
		if verr := e.verify(ctx, resolved.Path, data); verr != nil {
			result.Verified = false
			result.Failures = append(result.Failures, resolved.Path+": "+verr.Error())
			if e.strict {
				return result, fmt.Errorf("verification failed for %s: %w", resolved.Path, verr)
			}
		}
	}
	return result, nil
}

// renderDiff builds a unified-style line diff between the bytes behind ours
// and theirs, following the same DiffLinesToChars/DiffMain/PatchToText
// pipeline the teacher uses for single-file diffs. Returns "" if either
// side's bytes are missing or look binary.
func (e *Engine) renderDiff(ours, theirs types.ContentHash) string {
	oursData, ok1, err1 := e.content.Get(ours)
	theirsData, ok2, err2 := e.content.Get(theirs)
	if err1 != nil || err2 != nil || !ok1 || !ok2 {
		return ""
	}
	if looksBinary(oursData) || looksBinary(theirsData) {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(string(theirsData), string(oursData))
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	patches := dmp.PatchMake(string(theirsData), diffs)
	return dmp.PatchToText(patches)
}

func looksBinary(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

// apply materializes a resolved change record onto the live workspace.
func (e *Engine) apply(ctx context.Context, ws types.WorkspaceID, rec types.ChangeRecord) error {
	switch rec.Op {
	case types.OpCreate, types.OpUpdate:
		data, ok, err := e.content.Get(rec.After)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("content %s for %s missing from store", rec.After, rec.Path)
		}
		_, err = e.vfs.WriteFile(ctx, ws, rec.Path, data)
		return err
	case types.OpDelete:
		err := e.vfs.Delete(ctx, ws, rec.Path, true)
		if err != nil && vfs.IsNotFound(err) {
			return nil
		}
		return err
	case types.OpMove:
		_, err := e.vfs.Move(ctx, ws, rec.FromPath, rec.Path)
		if err != nil && vfs.IsAlreadyExists(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown change op %q", rec.Op)
	}
}
