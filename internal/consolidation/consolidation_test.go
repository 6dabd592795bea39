package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/internal/memory"
	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	episodic := memory.NewEpisodic(storage.New(base), 0.01)
	semantic := memory.NewSemantic(storage.New(base))
	procedural := memory.NewProcedural(storage.New(base))
	return memory.NewStore(ctx, 7, episodic, semantic, procedural)
}

func TestRunPurgesStaleLowImportanceEpisodes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale := &types.Episode{Task: "stale", Outcome: types.OutcomeSuccess}
	stale.Importance = 0.01
	stale.AccessedAt = time.Now().Add(-200 * time.Hour)
	require.NoError(t, store.Episodic.Record(ctx, stale))

	fresh := &types.Episode{Task: "fresh", Outcome: types.OutcomeSuccess}
	fresh.Importance = 0.9
	require.NoError(t, store.Episodic.Record(ctx, fresh))

	r := New(store, Config{RetentionWindow: time.Hour}, nil)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	remaining, err := store.Episodic.All(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].Task)
}

func TestRunPromotesProceduresFromSuccessfulEpisodes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ep := &types.Episode{Task: "fix-lint", Outcome: types.OutcomeSuccess, FilesTouched: []string{"a.go", "b.go"}}
	ep.Importance = 0.9
	ep.PatternValue = 0.8
	require.NoError(t, store.Episodic.Record(ctx, ep))

	r := New(store, Config{}, nil)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	procs, err := store.Procedural.Suggest(ctx, "fix-lint", 0)
	require.NoError(t, err)
	require.Len(t, procs, 1)
}

func TestRunExtractsPatternsFromRepeatedTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 2; i++ {
		ep := &types.Episode{Task: "refactor-x", Outcome: types.OutcomeSuccess}
		ep.Importance = 0.9
		ep.PatternValue = 0.8
		require.NoError(t, store.Episodic.Record(ctx, ep))
	}

	r := New(store, Config{}, nil)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PatternsExtracted)

	units, err := store.Semantic.Search(ctx, memory.SemanticQuery{Text: "refactor-x"})
	require.NoError(t, err)
	require.NotEmpty(t, units)
}

func TestRunMergesDuplicateSemanticUnits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Semantic.Upsert(ctx, &types.SemanticUnit{Name: "dup", References: []string{"a"}}))
	require.NoError(t, store.Semantic.Upsert(ctx, &types.SemanticUnit{Name: "dup", References: []string{"b"}}))

	r := New(store, Config{}, nil)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)

	units, err := store.Semantic.Search(ctx, memory.SemanticQuery{Text: "dup"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, units[0].References)
}

func TestStartStopRunsLoopWithoutPanicking(t *testing.T) {
	store := newTestStore(t)
	r := New(store, Config{FixedInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
