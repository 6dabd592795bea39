package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

func newTestEpisodic(t *testing.T) *Episodic {
	t.Helper()
	return NewEpisodic(storage.New(t.TempDir()), 0.01)
}

func TestEpisodicRecordAndGet(t *testing.T) {
	ctx := context.Background()
	e := newTestEpisodic(t)

	ep := &types.Episode{Task: "fix bug", Outcome: types.OutcomeSuccess}
	require.NoError(t, e.Record(ctx, ep))
	require.NotEmpty(t, ep.ID)

	got, err := e.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", got.Task)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestEpisodicRecallOrdersByRecencyAndOutcome(t *testing.T) {
	ctx := context.Background()
	e := newTestEpisodic(t)

	old := &types.Episode{Task: "old work", Outcome: types.OutcomeSuccess}
	old.CreatedAt = time.Now().Add(-240 * time.Hour)
	require.NoError(t, e.Record(ctx, old))

	recent := &types.Episode{Task: "recent work", Outcome: types.OutcomeSuccess}
	require.NoError(t, e.Record(ctx, recent))

	failed := &types.Episode{Task: "failed work", Outcome: types.OutcomeFailure}
	require.NoError(t, e.Record(ctx, failed))

	outcome := types.OutcomeSuccess
	results, err := e.Recall(ctx, EpisodicQuery{Outcome: &outcome})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "recent work", results[0].Task)
}

func TestEpisodicEvictSinkRecordsPayload(t *testing.T) {
	ctx := context.Background()
	e := newTestEpisodic(t)
	sink := e.EvictSink(ctx)

	sink(&types.WorkingItem{Key: "k", Payload: &types.Episode{Task: "evicted"}})

	results, err := e.Recall(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "evicted", results[0].Task)
}
