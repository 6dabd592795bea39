package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

var proceduralPath = []string{"memory", "procedural"}

// Procedural holds learned step sequences keyed by a trigger signature —
// a normalized description of the situation that invoked them.
type Procedural struct {
	store *storage.Storage
}

// NewProcedural creates a procedural tier backed by store.
func NewProcedural(store *storage.Storage) *Procedural {
	return &Procedural{store: store}
}

// Upsert stores or replaces a procedure, assigning an ID if unset.
func (p *Procedural) Upsert(ctx context.Context, proc *types.Procedure) error {
	if proc.ID == "" {
		proc.ID = types.NewID()
	}
	if proc.CreatedAt.IsZero() {
		proc.CreatedAt = time.Now()
	}
	return p.store.Put(ctx, append(append([]string{}, proceduralPath...), proc.ID), proc)
}

// RecordOutcome folds a new success/failure observation into a procedure's
// running success rate and bumps its frequency.
func (p *Procedural) RecordOutcome(ctx context.Context, id string, success bool) error {
	var proc types.Procedure
	if err := p.store.Get(ctx, append(append([]string{}, proceduralPath...), id), &proc); err != nil {
		return err
	}
	n := float64(proc.Frequency)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	proc.SuccessRate = (proc.SuccessRate*n + outcome) / (n + 1)
	proc.Frequency++
	proc.AccessedAt = time.Now()
	proc.AccessCount++
	return p.store.Put(ctx, append(append([]string{}, proceduralPath...), id), &proc)
}

func (p *Procedural) all(ctx context.Context) ([]*types.Procedure, error) {
	var out []*types.Procedure
	err := p.store.Scan(ctx, proceduralPath, func(_ string, data json.RawMessage) error {
		var proc types.Procedure
		if err := json.Unmarshal(data, &proc); err != nil {
			return nil
		}
		out = append(out, &proc)
		return nil
	})
	return out, err
}

// Suggest ranks stored procedures matching trigger by success_rate ×
// frequency, falling back to lexical overlap when no exact signature
// match exists.
func (p *Procedural) Suggest(ctx context.Context, trigger string, limit int) ([]*types.Procedure, error) {
	procs, err := p.all(ctx)
	if err != nil {
		return nil, err
	}
	type scored struct {
		proc  *types.Procedure
		score float64
	}
	var exact, fuzzy []scored
	for _, proc := range procs {
		weight := proc.SuccessRate * float64(proc.Frequency)
		if proc.TriggerSignature == trigger {
			exact = append(exact, scored{proc: proc, score: weight})
			continue
		}
		overlap := textMatchScore(trigger, proc.TriggerSignature)
		if overlap > 0 {
			fuzzy = append(fuzzy, scored{proc: proc, score: weight * overlap})
		}
	}
	sort.Slice(exact, func(i, j int) bool { return exact[i].score > exact[j].score })
	sort.Slice(fuzzy, func(i, j int) bool { return fuzzy[i].score > fuzzy[j].score })
	ranked := append(exact, fuzzy...)
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]*types.Procedure, limit)
	for i := 0; i < limit; i++ {
		out[i] = ranked[i].proc
	}
	return out, nil
}
