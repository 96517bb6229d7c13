package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventFor(cfg WorkspaceConfig, action EventAction, subject *NormalizedRecord) WebhookEvent {
	return WebhookEvent{Action: action, WorkspaceID: cfg.ExternalWorkspaceID, Issue: subject}
}

func TestApplyEventCreateThenUpdate(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()

	created := issue("E-1", t1, "new")
	result, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &created))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, result.Outcome)
	assert.Equal(t, cfg.ID, env.mustGet(t, "E-1").WorkspaceID)

	updated := issue("E-1", t1.Add(time.Minute), "renamed")
	result, err = env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &updated))
	require.NoError(t, err)
	assert.Equal(t, OutcomePatched, result.Outcome)
	assert.Equal(t, "renamed", env.mustGet(t, "E-1").Fields[FieldTitle])
}

func TestApplyEventIgnoresStaleUpdate(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()

	current := issue("E-1", t1, "current")
	_, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &current))
	require.NoError(t, err)

	stale := issue("E-1", t1.Add(-time.Second), "stale")
	result, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &stale))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "current", env.mustGet(t, "E-1").Fields[FieldTitle])
	assert.Equal(t, t1, env.mustGet(t, "E-1").RemoteUpdatedAt)
}

func TestApplyEventReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	subject := issue("E-1", time.Unix(100, 0).UTC(), "once")
	event := eventFor(cfg, ActionUpdate, &subject)

	_, err := env.engine.ApplyEvent(ctx, "tracker", event)
	require.NoError(t, err)
	before := env.mustGet(t, "E-1")

	env.clock.Advance(time.Minute)
	result, err := env.engine.ApplyEvent(ctx, "tracker", event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, before, env.mustGet(t, "E-1"))
}

func TestApplyEventRemoveIsUnconditional(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	subject := issue("E-1", time.Unix(100, 0).UTC(), "doomed")
	_, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &subject))
	require.NoError(t, err)

	result, err := env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: cfg.ExternalWorkspaceID, IssueID: "E-1"})
	require.NoError(t, err)
	assert.True(t, result.Removed)

	result, err = env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: cfg.ExternalWorkspaceID, IssueID: "E-1"})
	require.NoError(t, err, "removing a missing record succeeds")
	assert.Equal(t, OutcomeDeleted, result.Outcome)
	assert.False(t, result.Removed)
}

func TestApplyEventRemovalSurvivesNextFullSync(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()
	env.adapter.setRecords(issue("A", t1, "alpha"), issue("B", t1, "beta"))
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)

	_, err = env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: cfg.ExternalWorkspaceID, IssueID: "A"})
	require.NoError(t, err)

	env.adapter.setRecords(issue("B", t1, "beta"))
	run, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, run.Tombstoned)
	_, err = env.store.GetRecord(ctx, "tracker", "A")
	assert.ErrorIs(t, err, ErrNotFound, "removed record is not recreated")
}

func TestApplyEventStaleUpdateKeepsTombstone(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t200 := time.Unix(200, 0).UTC()

	env.adapter.setRecords(issue("X", t200, "current"))
	_, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	env.adapter.setRecords()
	run, err := env.engine.RunFullSync(ctx, "tracker", SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, run.Tombstoned)
	tombstoned := env.mustGet(t, "X")
	require.True(t, tombstoned.Completed())

	late := issue("X", time.Unix(100, 0).UTC(), "old")
	result, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &late))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)

	after := env.mustGet(t, "X")
	assert.True(t, after.Completed(), "a late webhook never revives a tombstoned record")
	assert.Equal(t, t200, after.RemoteUpdatedAt)
	assert.Equal(t, "current", after.Fields[FieldTitle])
	assert.Equal(t, tombstoned, after)
}

func TestApplyEventRemoveOnlyTouchesOwnWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ws1 := env.addWorkspace(t, "ws1", "")
	ws2 := env.addWorkspace(t, "ws2", "")
	ctx := context.Background()

	subject := issue("E-1", time.Unix(100, 0).UTC(), "shared id")
	_, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(ws2, ActionCreate, &subject))
	require.NoError(t, err)

	result, err := env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: ws1.ExternalWorkspaceID, IssueID: "E-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, result.Outcome)
	assert.False(t, result.Removed)
	assert.Equal(t, ws2.ID, env.mustGet(t, "E-1").WorkspaceID)

	result, err = env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: ws2.ExternalWorkspaceID, IssueID: "E-1"})
	require.NoError(t, err)
	assert.True(t, result.Removed)
}

func TestApplyEventOwnershipChangeDeletes(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "user-1")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()

	mine := issue("E-1", t1, "mine")
	mine.OwnerID = "user-1"
	_, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &mine))
	require.NoError(t, err)

	reassigned := issue("E-1", t1.Add(time.Minute), "mine")
	reassigned.OwnerID = "user-2"
	result, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &reassigned))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisowned, result.Outcome)
	assert.True(t, result.Removed)
	_, err = env.store.GetRecord(ctx, "tracker", "E-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// replaying the reassignment finds nothing left to delete
	result, err = env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &reassigned))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisowned, result.Outcome)
	assert.False(t, result.Removed)
}

func TestApplyEventTerminalStateDeletes(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	t1 := time.Unix(100, 0).UTC()

	open := issue("E-1", t1, "open")
	_, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &open))
	require.NoError(t, err)

	closed := issue("E-1", t1.Add(time.Minute), "open")
	closed.State = "Canceled"
	result, err := env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &closed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, result.Outcome)
	_, err = env.store.GetRecord(ctx, "tracker", "E-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyEventForUnknownWorkspaceIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()
	subject := issue("E-1", time.Unix(100, 0).UTC(), "elsewhere")

	result, err := env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionCreate, WorkspaceID: "other-team", Issue: &subject})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	cfg.Active = false
	require.NoError(t, env.store.SaveWorkspace(ctx, cfg))
	result, err = env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionCreate, &subject))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	records, err := env.store.ListRecords(ctx, RecordFilter{IncludeCompleted: true})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplyEventRejectsMalformedEvents(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	ctx := context.Background()

	_, err := env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: "archive", WorkspaceID: cfg.ExternalWorkspaceID, IssueID: "E-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionRemove, WorkspaceID: cfg.ExternalWorkspaceID})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.ApplyEvent(ctx, "tracker", WebhookEvent{Action: ActionUpdate, WorkspaceID: cfg.ExternalWorkspaceID, IssueID: "E-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	noTimestamp := NormalizedRecord{ExternalID: "E-1"}
	_, err = env.engine.ApplyEvent(ctx, "tracker", eventFor(cfg, ActionUpdate, &noTimestamp))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.ApplyEvent(ctx, "unknown", WebhookEvent{Action: ActionRemove, IssueID: "E-1"})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestApplyEventPublishesNotification(t *testing.T) {
	notifier := NewBroadcaster()
	env := newTestEnv(t, func(o *EngineOptions) { o.Notifier = notifier })
	cfg := env.addWorkspace(t, "ws1", "")
	feed, cancel := notifier.Subscribe(4)
	defer cancel()

	subject := issue("E-1", time.Unix(100, 0).UTC(), "hello")
	_, err := env.engine.ApplyEvent(context.Background(), "tracker", eventFor(cfg, ActionCreate, &subject))
	require.NoError(t, err)

	select {
	case n := <-feed:
		assert.Equal(t, NotifyEventApplied, n.Type)
		assert.Equal(t, "tracker", n.Source)
		result, ok := n.Payload.(EventResult)
		require.True(t, ok)
		assert.Equal(t, OutcomeInserted, result.Outcome)
	case <-time.After(time.Second):
		t.Fatalf("expected an event notification")
	}
}
