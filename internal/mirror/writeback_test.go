package mirror

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func seedIssue(t *testing.T, env *testEnv, record NormalizedRecord) {
	t.Helper()
	env.adapter.setRecords(record)
	_, err := env.engine.RunFullSync(context.Background(), env.adapter.source, SyncOptions{})
	require.NoError(t, err)
}

func TestEditRecordPushesAllowListedFields(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))

	record, err := env.engine.EditRecord(context.Background(), EditRequest{
		Source:      "tracker",
		ExternalID:  "A",
		Fields:      map[string]string{FieldTitle: "alpha edited"},
		LocalFields: map[string]string{"notes": "local only"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha edited", record.Fields[FieldTitle])
	assert.Equal(t, "local only", record.LocalFields["notes"])

	call := waitPush(t, env.adapter)
	assert.Equal(t, cfg.ID, call.workspaceID)
	assert.Equal(t, "A", call.externalID)
	assert.Equal(t, map[string]string{FieldTitle: "alpha edited"}, call.patch)
}

func TestScheduleWritebackDropsReadOnlyAndUnlistedFields(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	seeded := issue("A", time.Unix(100, 0).UTC(), "alpha")
	seeded.ReadOnlyFields = []string{FieldPriority}
	seedIssue(t, env, seeded)

	opID, queued := env.engine.ScheduleWriteback(context.Background(), WritebackRequest{
		Source:     "tracker",
		ExternalID: "A",
		Patch: map[string]string{
			FieldTitle:    "new title",
			FieldPriority: "urgent",
			FieldTeam:     "platform",
			"notes":       "local",
		},
	})
	require.True(t, queued)
	assert.NotEmpty(t, opID)
	call := waitPush(t, env.adapter)
	assert.Equal(t, map[string]string{FieldTitle: "new title"}, call.patch)
}

func TestScheduleWritebackWithNothingAllowedIsNotQueued(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))

	_, queued := env.engine.ScheduleWriteback(context.Background(), WritebackRequest{
		Source:     "tracker",
		ExternalID: "A",
		Patch:      map[string]string{FieldTeam: "platform"},
	})
	assert.False(t, queued)

	_, queued = env.engine.ScheduleWriteback(context.Background(), WritebackRequest{
		Source:     "tracker",
		ExternalID: "missing",
		Patch:      map[string]string{FieldTitle: "x"},
	})
	assert.False(t, queued)
	assertNoPush(t, env.adapter, 50*time.Millisecond)
}

func TestWritebackFailureIsLoggedAndNotRetried(t *testing.T) {
	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	env := newTestEnv(t, func(o *EngineOptions) { o.Logger = &logger })
	env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))
	env.adapter.pushResult = PushResult{Success: false, Error: "upstream rejected title"}

	record, err := env.engine.EditRecord(context.Background(), EditRequest{
		Source:     "tracker",
		ExternalID: "A",
		Fields:     map[string]string{FieldTitle: "rejected upstream"},
	})
	require.NoError(t, err, "push failure never reaches the caller")
	waitPush(t, env.adapter)
	assertNoPush(t, env.adapter, 100*time.Millisecond)

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "writeback failed")
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "upstream rejected title")
	assert.Equal(t, "rejected upstream", record.Fields[FieldTitle])
	assert.Equal(t, "rejected upstream", env.mustGet(t, "A").Fields[FieldTitle], "local edit is kept")
}

func TestEditRecordReturnsBeforePushCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))
	env.adapter.pushGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.EditRecord(context.Background(), EditRequest{
			Source:     "tracker",
			ExternalID: "A",
			Fields:     map[string]string{FieldTitle: "fast"},
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("edit blocked on the push")
	}
	assert.Equal(t, "fast", env.mustGet(t, "A").Fields[FieldTitle])

	close(env.adapter.pushGate)
	call := waitPush(t, env.adapter)
	assert.Equal(t, "fast", call.patch[FieldTitle])
}

func TestScheduleWritebackDropsWhenQueueIsFull(t *testing.T) {
	env := newTestEnv(t, func(o *EngineOptions) { o.WritebackQueueSize = 1 })
	env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))
	env.adapter.pushGate = make(chan struct{})
	ctx := context.Background()
	req := WritebackRequest{Source: "tracker", ExternalID: "A", Patch: map[string]string{FieldTitle: "edit"}}

	// first item is taken by the worker, which then blocks in the push
	first, queued := env.engine.ScheduleWriteback(ctx, req)
	require.True(t, queued)
	require.NotEmpty(t, first)
	require.Eventually(t, func() bool { return env.engine.WritebackQueueDepth() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, queued = env.engine.ScheduleWriteback(ctx, req)
	require.True(t, queued, "one slot is free")

	for i := 0; i < 50; i++ {
		opID, queued := env.engine.ScheduleWriteback(ctx, req)
		assert.False(t, queued)
		assert.Empty(t, opID)
	}
	assert.Equal(t, 1, env.engine.WritebackQueueDepth())

	close(env.adapter.pushGate)
	waitPush(t, env.adapter)
	waitPush(t, env.adapter)
	assertNoPush(t, env.adapter, 100*time.Millisecond)
}

func TestEditRecordValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))
	ctx := context.Background()

	_, err := env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: "A"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: "A", Fields: map[string]string{FieldTeam: "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput, "team is not on the allow-list")

	_, err = env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: "A", Fields: map[string]string{"notes": "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput, "local-owned keys go in LocalFields")

	_, err = env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: "A", LocalFields: map[string]string{FieldTitle: "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: "nope", LocalFields: map[string]string{"notes": "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
	assertNoPush(t, env.adapter, 30*time.Millisecond)
}

func TestEditLocalOnlyRecordDoesNotPush(t *testing.T) {
	env := newTestEnv(t)
	env.addWorkspace(t, "ws1", "")
	ctx := context.Background()

	local, err := env.engine.CreateLocalRecord(ctx, LocalRecord{
		Source: "tracker",
		Kind:   KindIssue,
		Fields: map[string]string{FieldTitle: "draft", FieldUsername: "@Carol"},
	})
	require.NoError(t, err)
	assert.True(t, local.LocalOnly)
	assert.Equal(t, "carol", local.Username)

	_, err = env.engine.EditRecord(ctx, EditRequest{Source: "tracker", ExternalID: local.ExternalID, Fields: map[string]string{FieldTitle: "draft 2"}})
	require.NoError(t, err)
	assertNoPush(t, env.adapter, 50*time.Millisecond)

	_, err = env.engine.CreateLocalRecord(ctx, LocalRecord{Source: "tracker", ExternalID: local.ExternalID, Kind: KindIssue})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = env.engine.CreateLocalRecord(ctx, LocalRecord{Source: "tracker"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWritebackToInactiveWorkspaceIsDropped(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.addWorkspace(t, "ws1", "")
	seedIssue(t, env, issue("A", time.Unix(100, 0).UTC(), "alpha"))
	cfg.Active = false
	require.NoError(t, env.store.SaveWorkspace(context.Background(), cfg))

	_, queued := env.engine.ScheduleWriteback(context.Background(), WritebackRequest{
		Source:     "tracker",
		ExternalID: "A",
		Patch:      map[string]string{FieldTitle: "x"},
	})
	assert.True(t, queued)
	assertNoPush(t, env.adapter, 100*time.Millisecond)
}
