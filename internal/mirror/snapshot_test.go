package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotIssue(id, team, priority, state, hours string) NormalizedRecord {
	record := issue(id, time.Unix(100, 0).UTC(), id)
	record.State = state
	record.Fields[FieldTeam] = team
	record.Fields[FieldPriority] = priority
	if hours != "" {
		record.Fields[FieldHours] = hours
	}
	return record
}

func TestCaptureSnapshotPatchesWithinBucket(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()

	env.adapter.setRecords(
		snapshotIssue("A", "core", "high", "todo", "1.5"),
		snapshotIssue("B", "core", "", "in_progress", "0.25"),
		snapshotIssue("C", "web", "low", "review", ""),
	)
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	first, err := env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), first.Bucket)
	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, []string{"team:core", "team:web", "workspace:ws1"}, first.Dimensions)

	rows, err := env.store.ListSnapshots(ctx, SnapshotFilter{DimensionPrefix: "team:core"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Total)
	assert.Equal(t, map[string]int{"high": 1, "none": 1}, rows[0].ByPriority)
	assert.Equal(t, map[string]int{"open": 1, "active": 1}, rows[0].ByStatus)
	assert.True(t, decimal.RequireFromString("1.75").Equal(rows[0].TrackedHours))

	env.clock.Advance(20 * time.Minute)
	env.adapter.setRecords(snapshotIssue("A", "core", "high", "todo", "1.5"))
	_, err = env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	second, err := env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Bucket, second.Bucket)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Patched)

	rows, err = env.store.ListSnapshots(ctx, SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3, "one row per dimension and bucket")
	byDimension := map[string]SnapshotBucket{}
	for _, row := range rows {
		byDimension[row.Dimension] = row
	}
	assert.Equal(t, 1, byDimension["team:core"].Total)
	assert.Equal(t, 0, byDimension["team:web"].Total, "emptied dimension is zeroed, not left stale")
	assert.Equal(t, 1, byDimension["workspace:ws1"].Total)
	assert.Equal(t, env.clock.Now(), byDimension["team:core"].CapturedAt)
}

func TestCaptureSnapshotStartsNewBucket(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	env.adapter.setRecords(snapshotIssue("A", "core", "high", "todo", ""))
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	_, err = env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	next, err := env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Inserted)

	rows, err := env.engine.ListSnapshots(ctx, SnapshotQuery{DimensionPrefix: "team:"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Bucket.Before(rows[1].Bucket))
}

func TestCaptureSnapshotExcludesTombstonedRecords(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	env.adapter.setRecords(snapshotIssue("A", "core", "high", "todo", ""), snapshotIssue("B", "core", "low", "todo", ""))
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	env.adapter.setRecords(snapshotIssue("A", "core", "high", "todo", ""))
	_, err = env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	_, err = env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)
	rows, err := env.store.ListSnapshots(ctx, SnapshotFilter{DimensionPrefix: "team:core"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Total)
}

func TestSnapshotRollup(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	env.adapter.setRecords(
		snapshotIssue("A", "core", "high", "todo", "2"),
		snapshotIssue("B", "web", "high", "todo", "3"),
	)
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	_, err = env.engine.CaptureSnapshot(ctx)
	require.NoError(t, err)

	rows, err := env.engine.ListSnapshots(ctx, SnapshotQuery{DimensionPrefix: "team:", Rollup: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rollup:team:", rows[0].Dimension)
	assert.Equal(t, 2, rows[0].Total)
	assert.Equal(t, 2, rows[0].ByPriority["high"])
	assert.Equal(t, "5", rows[0].TrackedHours.String())
}

func TestFloorToBucket(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 59, 59, 999, time.FixedZone("CET", 3600))
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), FloorToBucket(at, time.Hour))
	assert.Equal(t, time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC), FloorToBucket(at, 15*time.Minute))
	assert.Equal(t, FloorToBucket(at, time.Hour), FloorToBucket(at, 0))
}
