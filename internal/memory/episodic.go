package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

var episodicPath = []string{"memory", "episodic"}

// Episodic is the persisted record of completed work. It is the natural
// sink for Working-tier evictions: an item that falls out of the recency
// cache is folded into an episode rather than discarded outright.
type Episodic struct {
	store  *storage.Storage
	lambda float64
}

// NewEpisodic creates an episodic tier backed by store. lambda is the decay
// rate used by Recall's recency term.
func NewEpisodic(store *storage.Storage, lambda float64) *Episodic {
	return &Episodic{store: store, lambda: lambda}
}

// Record persists an episode, assigning an ID and CreatedAt if unset.
func (e *Episodic) Record(ctx context.Context, ep *types.Episode) error {
	if ep.ID == "" {
		ep.ID = types.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	if ep.AccessedAt.IsZero() {
		ep.AccessedAt = ep.CreatedAt
	}
	return e.store.Put(ctx, append(append([]string{}, episodicPath...), ep.ID), ep)
}

// Get fetches one episode by ID and bumps its access bookkeeping.
func (e *Episodic) Get(ctx context.Context, id string) (*types.Episode, error) {
	var ep types.Episode
	if err := e.store.Get(ctx, append(append([]string{}, episodicPath...), id), &ep); err != nil {
		return nil, err
	}
	ep.AccessedAt = time.Now()
	ep.AccessCount++
	_ = e.store.Put(ctx, append(append([]string{}, episodicPath...), id), &ep)
	return &ep, nil
}

// EvictSink adapts Episodic to Working's eviction callback: an evicted
// WorkingItem becomes a low-importance episode if its payload is one.
func (e *Episodic) EvictSink(ctx context.Context) func(*types.WorkingItem) {
	return func(item *types.WorkingItem) {
		ep, ok := item.Payload.(*types.Episode)
		if !ok {
			return
		}
		ep.MemoryHeader = item.MemoryHeader
		_ = e.Record(ctx, ep)
	}
}

// Delete removes an episode by ID, used by consolidation's purge pass.
func (e *Episodic) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, append(append([]string{}, episodicPath...), id))
}

// All loads every stored episode. Scanning the whole tier on each query
// is acceptable at the expected episodic volume (hundreds to low
// thousands per workspace); a growth path to dbconn-backed indexing is
// noted in the design ledger.
func (e *Episodic) All(ctx context.Context) ([]*types.Episode, error) {
	return e.all(ctx)
}

func (e *Episodic) all(ctx context.Context) ([]*types.Episode, error) {
	var out []*types.Episode
	err := e.store.Scan(ctx, episodicPath, func(_ string, data json.RawMessage) error {
		var ep types.Episode
		if err := json.Unmarshal(data, &ep); err != nil {
			return nil
		}
		out = append(out, &ep)
		return nil
	})
	return out, err
}

// EpisodicQuery filters and scores a Recall pass.
type EpisodicQuery struct {
	AgentID     types.AgentID
	WorkspaceID types.WorkspaceID
	Outcome     *types.MemoryOutcome
	Text        string
	Embedding   []float32
	Limit       int
}

func (q EpisodicQuery) matches(ep *types.Episode) bool {
	if q.AgentID != "" && ep.AgentID != q.AgentID {
		return false
	}
	if q.WorkspaceID != "" && ep.WorkspaceID != q.WorkspaceID {
		return false
	}
	if q.Outcome != nil && ep.Outcome != *q.Outcome {
		return false
	}
	return true
}

// Recall ranks stored episodes by recency decay exp(-λΔt), access
// frequency, embedding similarity and lexical overlap with Text, highest
// score first.
func (e *Episodic) Recall(ctx context.Context, q EpisodicQuery) ([]*types.Episode, error) {
	episodes, err := e.all(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	type scored struct {
		ep    *types.Episode
		score float64
	}
	var candidates []scored
	for _, ep := range episodes {
		if !q.matches(ep) {
			continue
		}
		candidates = append(candidates, scored{ep: ep, score: e.score(ep, q, now)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]*types.Episode, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].ep
	}
	return out, nil
}

func (e *Episodic) score(ep *types.Episode, q EpisodicQuery, now time.Time) float64 {
	recency := decay(e.lambda, ep.CreatedAt, now)
	frequency := normalize01(float64(ep.AccessCount) / 10.0)
	text := textMatchScore(q.Text, ep.Task+" "+ep.ContextSnapshot)
	embed := normalize01((cosineSimilarity(q.Embedding, ep.Embedding) + 1) / 2)

	weights := []float64{0.4, 0.2, 0.2, 0.2}
	values := []float64{recency, frequency, text, embed}
	var sum float64
	for i, w := range weights {
		sum += w * values[i]
	}
	return sum * (0.5 + 0.5*ep.Importance)
}
