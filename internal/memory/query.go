package memory

import (
	"context"
	"sort"

	"github.com/agentmesh/runtime/pkg/types"
)

// Store fuses the four tiers behind a single intent-based query, matching
// the way a session or consolidation pass wants memory surfaced: "what do
// I know that's relevant to this" rather than "fetch me tier X".
type Store struct {
	Working    *Working
	Episodic   *Episodic
	Semantic   *Semantic
	Procedural *Procedural
}

// NewStore wires the four tiers together, hooking Working's eviction
// callback into Episodic so capacity pressure folds items into episodes
// instead of discarding them.
func NewStore(ctx context.Context, workingCapacity int, episodic *Episodic, semantic *Semantic, procedural *Procedural) *Store {
	s := &Store{Episodic: episodic, Semantic: semantic, Procedural: procedural}
	s.Working = NewWorking(workingCapacity, episodic.EvictSink(ctx))
	return s
}

const (
	weightWorking    = 0.15
	weightEpisodic   = 0.35
	weightSemantic   = 0.30
	weightProcedural = 0.20
)

// Query runs intent against every tier and returns a single ranked list,
// each item's score normalized to [0,1] and weighted by tier before the
// final sort so no one tier dominates purely by volume.
func (s *Store) Query(ctx context.Context, intent types.MemoryQueryIntent) ([]types.RankedItem, error) {
	var items []types.RankedItem

	for _, wi := range s.Working.Snapshot() {
		text := textMatchScore(intent.Text, wi.Key)
		embed := normalize01((cosineSimilarity(intent.Embedding, wi.Embedding) + 1) / 2)
		score := normalize01(0.5*text+0.5*embed) * weightWorking
		if score > 0 {
			items = append(items, types.RankedItem{Tier: "working", Item: wi, Score: score})
		}
	}

	episodes, err := s.Episodic.Recall(ctx, EpisodicQuery{
		AgentID:     intent.AgentID,
		WorkspaceID: intent.Workspace,
		Outcome:     intent.Outcome,
		Text:        intent.Text,
		Embedding:   intent.Embedding,
	})
	if err != nil {
		return nil, err
	}
	for i, ep := range episodes {
		score := normalize01(1-float64(i)/float64(len(episodes)+1)) * weightEpisodic
		items = append(items, types.RankedItem{Tier: "episodic", Item: ep, Score: score})
	}

	units, err := s.Semantic.Search(ctx, SemanticQuery{Text: intent.Text, Embedding: intent.Embedding})
	if err != nil {
		return nil, err
	}
	for i, u := range units {
		score := normalize01(1-float64(i)/float64(len(units)+1)) * weightSemantic
		items = append(items, types.RankedItem{Tier: "semantic", Item: u, Score: score})
	}

	procs, err := s.Procedural.Suggest(ctx, intent.Text, 0)
	if err != nil {
		return nil, err
	}
	for i, proc := range procs {
		score := normalize01(1-float64(i)/float64(len(procs)+1)) * weightProcedural
		items = append(items, types.RankedItem{Tier: "procedural", Item: proc, Score: score})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if intent.Limit > 0 && intent.Limit < len(items) {
		items = items[:intent.Limit]
	}
	return items, nil
}
