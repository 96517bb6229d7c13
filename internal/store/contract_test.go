package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

// runStoreContract exercises the mirror.Store contract against one backend.
func runStoreContract(t *testing.T, open func(t *testing.T) mirror.Store) {
	t.Run("records", func(t *testing.T) { testRecords(t, open(t)) })
	t.Run("identity", func(t *testing.T) { testIdentityLookup(t, open(t)) })
	t.Run("runs", func(t *testing.T) { testSyncRuns(t, open(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, open(t)) })
	t.Run("workspaces", func(t *testing.T) { testWorkspaces(t, open(t)) })
}

var t0 = time.Date(2026, 3, 2, 10, 15, 0, 123456789, time.UTC)

func sampleRecord(id, externalID, workspaceID string) mirror.LocalRecord {
	return mirror.LocalRecord{
		ID:              id,
		Source:          "issues",
		WorkspaceID:     workspaceID,
		ExternalID:      externalID,
		Kind:            mirror.KindIssue,
		RemoteUpdatedAt: t0,
		OwnerID:         "user-1",
		State:           "started",
		Fields:          map[string]string{mirror.FieldTitle: "title " + externalID},
		LocalFields:     map[string]string{"notes": "mine"},
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

func testRecords(t *testing.T, s mirror.Store) {
	ctx := context.Background()
	a := sampleRecord("r-a", "A", "ws1")
	a.ReadOnlyFields = []string{mirror.FieldPriority}
	require.NoError(t, s.UpsertRecord(ctx, a))
	require.NoError(t, s.UpsertRecord(ctx, sampleRecord("r-b", "B", "ws1")))
	require.NoError(t, s.UpsertRecord(ctx, sampleRecord("r-c", "C", "ws2")))

	got, err := s.GetRecord(ctx, "issues", "A")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	byID, err := s.GetRecordByID(ctx, "r-b")
	require.NoError(t, err)
	assert.Equal(t, "B", byID.ExternalID)

	_, err = s.GetRecord(ctx, "issues", "missing")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
	_, err = s.GetRecordByID(ctx, "missing")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	completed := t0.Add(time.Hour)
	a.CompletedAt = &completed
	a.Fields[mirror.FieldTitle] = "patched"
	a.UpdatedAt = completed
	require.NoError(t, s.UpsertRecord(ctx, a))
	got, err = s.GetRecord(ctx, "issues", "A")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))
	assert.Equal(t, "patched", got.Fields[mirror.FieldTitle])
	assert.Equal(t, "r-a", got.ID)
	assert.True(t, t0.Equal(got.CreatedAt))

	active, err := s.ListRecords(ctx, mirror.RecordFilter{Source: "issues"})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	all, err := s.ListRecords(ctx, mirror.RecordFilter{Source: "ISSUES", IncludeCompleted: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{all[0].ExternalID, all[1].ExternalID, all[2].ExternalID})
	ws1, err := s.ListRecords(ctx, mirror.RecordFilter{WorkspaceID: "ws1", IncludeCompleted: true})
	require.NoError(t, err)
	assert.Len(t, ws1, 2)
	projects, err := s.ListRecords(ctx, mirror.RecordFilter{Kind: mirror.KindProject})
	require.NoError(t, err)
	assert.Empty(t, projects)

	assert.ErrorIs(t, s.UpsertRecord(ctx, mirror.LocalRecord{Source: "issues", ExternalID: "X"}), mirror.ErrInvalidInput)

	deleted, err := s.DeleteRecord(ctx, "issues", "B")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteRecord(ctx, "issues", "B")
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := s.DeleteWorkspaceRecords(ctx, "ws2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	remaining, err := s.ListRecords(ctx, mirror.RecordFilter{IncludeCompleted: true})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "A", remaining[0].ExternalID)
}

func testIdentityLookup(t *testing.T, s mirror.Store) {
	ctx := context.Background()
	contact := sampleRecord("c-1", "C1", "ws1")
	contact.Source = "contacts"
	contact.Kind = mirror.KindContact
	contact.Username = "alice"
	contact.Phone = "+15550102000"
	contact.Email = "alice@example.com"
	require.NoError(t, s.UpsertRecord(ctx, contact))

	cases := []struct {
		kind  mirror.SignalKind
		value string
	}{
		{mirror.SignalLink, "c-1"},
		{mirror.SignalExternal, "contacts/C1"},
		{mirror.SignalUsername, "alice"},
		{mirror.SignalPhone, "+15550102000"},
		{mirror.SignalEmail, "alice@example.com"},
	}
	for _, tc := range cases {
		got, err := s.LookupIdentity(ctx, tc.kind, tc.value)
		require.NoError(t, err, "%s=%s", tc.kind, tc.value)
		assert.Equal(t, "c-1", got.ID)
	}

	_, err := s.LookupIdentity(ctx, mirror.SignalUsername, "bob")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	// tombstoned contacts never match a signal lookup
	gone := sampleRecord("c-0", "A0", "ws1")
	gone.Source = "contacts"
	gone.Kind = mirror.KindContact
	gone.Username = "carol"
	gone.Email = "carol@example.com"
	completed := t0.Add(time.Hour)
	gone.CompletedAt = &completed
	require.NoError(t, s.UpsertRecord(ctx, gone))
	_, err = s.LookupIdentity(ctx, mirror.SignalEmail, "carol@example.com")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	active := sampleRecord("c-2", "C2", "ws1")
	active.Source = "contacts"
	active.Kind = mirror.KindContact
	active.Username = "carol"
	require.NoError(t, s.UpsertRecord(ctx, active))
	got, err := s.LookupIdentity(ctx, mirror.SignalUsername, "carol")
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.ID)

	_, err = s.LookupIdentity(ctx, mirror.SignalExternal, "no-slash")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
	_, err = s.LookupIdentity(ctx, mirror.SignalKind("fax"), "x")
	assert.ErrorIs(t, err, mirror.ErrInvalidInput)
}

func testSyncRuns(t *testing.T, s mirror.Store) {
	ctx := context.Background()
	first := mirror.SyncRun{ID: "run-1", Source: "issues", Status: mirror.RunStatusRunning, StartedAt: t0, Errors: []string{}}
	second := mirror.SyncRun{ID: "run-2", Source: "issues", Forced: true, Status: mirror.RunStatusRunning, StartedAt: t0, Errors: []string{}}
	other := mirror.SyncRun{ID: "run-3", Source: "contacts", Status: mirror.RunStatusRunning, StartedAt: t0.Add(time.Minute), Errors: []string{}}
	require.NoError(t, s.CreateSyncRun(ctx, first))
	require.NoError(t, s.CreateSyncRun(ctx, second))
	require.NoError(t, s.CreateSyncRun(ctx, other))
	assert.ErrorIs(t, s.CreateSyncRun(ctx, first), mirror.ErrInvalidState)

	finished := t0.Add(30 * time.Second)
	first.Status = mirror.RunStatusPartial
	first.FinishedAt = &finished
	first.Upserted = 4
	first.Errored = 1
	first.Errors = []string{"item X: boom"}
	require.NoError(t, s.FinalizeSyncRun(ctx, first))
	first.Upserted = 99
	assert.ErrorIs(t, s.FinalizeSyncRun(ctx, first), mirror.ErrInvalidState)
	assert.ErrorIs(t, s.FinalizeSyncRun(ctx, mirror.SyncRun{ID: "nope"}), mirror.ErrNotFound)

	runs, err := s.ListSyncRuns(ctx, "issues", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "same start time orders by creation")
	assert.True(t, runs[0].Forced)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Equal(t, mirror.RunStatusPartial, runs[1].Status)
	assert.Equal(t, 4, runs[1].Upserted)
	assert.Equal(t, []string{"item X: boom"}, runs[1].Errors)
	require.NotNil(t, runs[1].FinishedAt)
	assert.True(t, finished.Equal(*runs[1].FinishedAt))

	latest, err := s.ListSyncRuns(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "run-3", latest[0].ID)
}

func testSnapshots(t *testing.T, s mirror.Store) {
	ctx := context.Background()
	h10 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h11 := h10.Add(time.Hour)
	row := mirror.SnapshotBucket{
		Dimension:    "team:core",
		Bucket:       h10,
		Total:        2,
		ByPriority:   map[string]int{"high": 2},
		ByStatus:     map[string]int{"open": 2},
		TrackedHours: decimal.RequireFromString("1.75"),
		CapturedAt:   h10.Add(5 * time.Minute),
	}
	inserted, err := s.UpsertSnapshot(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	row.Total = 3
	row.ByPriority = map[string]int{"high": 2, "low": 1}
	row.CapturedAt = h10.Add(20 * time.Minute)
	inserted, err = s.UpsertSnapshot(ctx, row)
	require.NoError(t, err)
	assert.False(t, inserted)

	for _, extra := range []mirror.SnapshotBucket{
		{Dimension: "workspace:ws1", Bucket: h10, Total: 3, TrackedHours: decimal.Zero, CapturedAt: h10},
		{Dimension: "team:core", Bucket: h11, Total: 1, TrackedHours: decimal.Zero, CapturedAt: h11},
	} {
		_, err := s.UpsertSnapshot(ctx, extra)
		require.NoError(t, err)
	}
	_, err = s.UpsertSnapshot(ctx, mirror.SnapshotBucket{Bucket: h10})
	assert.ErrorIs(t, err, mirror.ErrInvalidInput)

	rows, err := s.ListSnapshots(ctx, mirror.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "team:core", rows[0].Dimension)
	assert.Equal(t, "workspace:ws1", rows[1].Dimension)
	assert.True(t, h11.Equal(rows[2].Bucket))

	patched := rows[0]
	assert.Equal(t, 3, patched.Total)
	assert.Equal(t, map[string]int{"high": 2, "low": 1}, patched.ByPriority)
	assert.True(t, decimal.RequireFromString("1.75").Equal(patched.TrackedHours))
	assert.True(t, h10.Add(20*time.Minute).Equal(patched.CapturedAt))

	teams, err := s.ListSnapshots(ctx, mirror.SnapshotFilter{DimensionPrefix: "team:", From: h11})
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, 1, teams[0].Total)

	early, err := s.ListSnapshots(ctx, mirror.SnapshotFilter{To: h10})
	require.NoError(t, err)
	assert.Len(t, early, 2)
}

func testWorkspaces(t *testing.T, s mirror.Store) {
	ctx := context.Background()
	cfg := mirror.WorkspaceConfig{
		ID:                  "ws1",
		Source:              "issues",
		Label:               "Team One",
		Credential:          "secret",
		ExternalWorkspaceID: "team-1",
		OwnerFilter:         "user-1",
		Active:              true,
		CreatedAt:           t0,
		UpdatedAt:           t0,
	}
	require.NoError(t, s.SaveWorkspace(ctx, cfg))
	require.NoError(t, s.SaveWorkspace(ctx, mirror.WorkspaceConfig{ID: "ws2", Source: "contacts", ExternalWorkspaceID: "dir", CreatedAt: t0, UpdatedAt: t0}))

	got, err := s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	cfg.Active = false
	cfg.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, s.SaveWorkspace(ctx, cfg))
	got, err = s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	issues, err := s.ListWorkspaces(ctx, "issues")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	all, err := s.ListWorkspaces(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.SaveWorkspace(ctx, mirror.WorkspaceConfig{ID: "x"}), mirror.ErrInvalidInput)
	require.NoError(t, s.DeleteWorkspace(ctx, "ws1"))
	assert.ErrorIs(t, s.DeleteWorkspace(ctx, "ws1"), mirror.ErrNotFound)
	_, err = s.GetWorkspace(ctx, "ws1")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}

func uniquePrefix(t *testing.T) string {
	return fmt.Sprintf("mirrorsync_test_%d_", time.Now().UnixNano())
}
