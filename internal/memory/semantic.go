package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

var semanticPath = []string{"memory", "semantic"}

// Semantic holds named code structures and extracted patterns,
// cross-referenced by SourceHash and by caller/callee relationships
// recorded in References/Dependencies.
type Semantic struct {
	store *storage.Storage
}

// NewSemantic creates a semantic tier backed by store.
func NewSemantic(store *storage.Storage) *Semantic {
	return &Semantic{store: store}
}

// Upsert stores or replaces a semantic unit, assigning an ID if unset.
func (s *Semantic) Upsert(ctx context.Context, u *types.SemanticUnit) error {
	if u.ID == "" {
		u.ID = types.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return s.store.Put(ctx, append(append([]string{}, semanticPath...), u.ID), u)
}

// Get fetches a single unit by ID.
func (s *Semantic) Get(ctx context.Context, id string) (*types.SemanticUnit, error) {
	var u types.SemanticUnit
	if err := s.store.Get(ctx, append(append([]string{}, semanticPath...), id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// All loads every stored semantic unit.
func (s *Semantic) All(ctx context.Context) ([]*types.SemanticUnit, error) {
	return s.all(ctx)
}

// Delete removes a semantic unit by ID, used by consolidation's merge pass.
func (s *Semantic) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, append(append([]string{}, semanticPath...), id))
}

func (s *Semantic) all(ctx context.Context) ([]*types.SemanticUnit, error) {
	var out []*types.SemanticUnit
	err := s.store.Scan(ctx, semanticPath, func(_ string, data json.RawMessage) error {
		var u types.SemanticUnit
		if err := json.Unmarshal(data, &u); err != nil {
			return nil
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

// BySourceHash returns every unit extracted from the given content hash,
// the cross-reference back into the VFS that component E's dedup store
// makes cheap to maintain.
func (s *Semantic) BySourceHash(ctx context.Context, hash types.ContentHash) ([]*types.SemanticUnit, error) {
	units, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.SemanticUnit
	for _, u := range units {
		if u.SourceHash == hash {
			out = append(out, u)
		}
	}
	return out, nil
}

// CallersOf returns units that list name in their References (i.e. units
// that reference/call name).
func (s *Semantic) CallersOf(ctx context.Context, name string) ([]*types.SemanticUnit, error) {
	units, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.SemanticUnit
	for _, u := range units {
		if containsStr(u.References, name) {
			out = append(out, u)
		}
	}
	return out, nil
}

// CalleesOf returns the units named in u's own References — the units it
// calls out to.
func (s *Semantic) CalleesOf(ctx context.Context, name string) ([]*types.SemanticUnit, error) {
	units, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var self *types.SemanticUnit
	byName := make(map[string]*types.SemanticUnit, len(units))
	for _, u := range units {
		byName[u.Name] = u
		if u.Name == name {
			self = u
		}
	}
	if self == nil {
		return nil, nil
	}
	var out []*types.SemanticUnit
	for _, ref := range self.References {
		if u, ok := byName[ref]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// ImplementorsOf returns units that declare name among their Dependencies
// (used to record interface-satisfaction edges alongside plain imports).
func (s *Semantic) ImplementorsOf(ctx context.Context, name string) ([]*types.SemanticUnit, error) {
	units, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.SemanticUnit
	for _, u := range units {
		if containsStr(u.Dependencies, name) {
			out = append(out, u)
		}
	}
	return out, nil
}

// SemanticQuery filters and scores a Search pass.
type SemanticQuery struct {
	Kind      types.SemanticKind
	Text      string
	Embedding []float32
	Limit     int
}

// Search ranks semantic units by lexical overlap with Text plus embedding
// similarity, highest first.
func (s *Semantic) Search(ctx context.Context, q SemanticQuery) ([]*types.SemanticUnit, error) {
	units, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	type scored struct {
		u     *types.SemanticUnit
		score float64
	}
	var candidates []scored
	for _, u := range units {
		if q.Kind != "" && u.Kind != q.Kind {
			continue
		}
		text := textMatchScore(q.Text, u.Name+" "+u.Signature)
		embed := normalize01((cosineSimilarity(q.Embedding, u.Embedding) + 1) / 2)
		score := 0.6*text + 0.4*embed
		if score <= 0 && q.Text == "" && len(q.Embedding) == 0 {
			score = u.Importance
		}
		candidates = append(candidates, scored{u: u, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]*types.SemanticUnit, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].u
	}
	return out, nil
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
