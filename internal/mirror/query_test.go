package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRecordsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	env.adapter.setRecords(
		snapshotIssue("A", "core", "high", "todo", ""),
		snapshotIssue("B", "web", "low", "todo", ""),
		snapshotIssue("C", "core", "low", "in_progress", ""),
		snapshotIssue("D", "core", "low", "todo", ""),
	)
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	env.adapter.setRecords(
		snapshotIssue("A", "core", "high", "todo", ""),
		snapshotIssue("B", "web", "low", "todo", ""),
		snapshotIssue("C", "core", "low", "in_progress", ""),
	)
	_, err = env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	core, err := env.engine.ListRecords(ctx, RecordQuery{Team: "CORE"})
	require.NoError(t, err)
	assert.Len(t, core, 2)

	withTombstones, err := env.engine.ListRecords(ctx, RecordQuery{Team: "core", IncludeCompleted: true})
	require.NoError(t, err)
	assert.Len(t, withTombstones, 3)

	inProgress, err := env.engine.ListRecords(ctx, RecordQuery{State: "in_progress"})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "C", inProgress[0].ExternalID)

	limited, err := env.engine.ListRecords(ctx, RecordQuery{Source: "tracker", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStatsSummarizesSources(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()
	env.adapter.setRecords(issue("A", t1, "alpha"), issue("B", t1, "beta"))
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	env.adapter.setRecords(issue("A", t1, "alpha"))
	_, err = env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	_, err = env.engine.CreateLocalRecord(ctx, LocalRecord{Source: "tracker", Kind: KindIssue})
	require.NoError(t, err)

	stats, err := env.engine.Stats(ctx)
	require.NoError(t, err)
	tracker := stats.Sources["tracker"]
	assert.Equal(t, 2, tracker.ActiveRecords)
	assert.Equal(t, 1, tracker.CompletedRecords)
	assert.Equal(t, 1, tracker.LocalOnlyRecords)
	assert.Equal(t, 1, tracker.ActiveWorkspaces)
	require.NotNil(t, tracker.LastRun)
	assert.Equal(t, 1, tracker.LastRun.Tombstoned)
	assert.Equal(t, 2, stats.TotalActiveRecords)
}

func TestListWorkspacesRedactsCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	configs, err := env.engine.ListWorkspaces(context.Background(), "tracker")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "********", configs[0].Credential)
}

func TestPendingWritebacksFromMemoryQueue(t *testing.T) {
	queue := NewInMemoryWritebackQueue(4)
	env := newTestEnv(t, func(o *EngineOptions) {
		o.WritebackQueue = queue
		o.WritebackWorkers = 1
	})
	pending, ok := env.engine.PendingWritebacks()
	require.True(t, ok)
	assert.Empty(t, pending)
}
