package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

func TestConversationsLinkToContactsDuringSync(t *testing.T) {
	api := newFakeAPI(t, map[string]string{
		"/v1/contacts": `{"items":[
			{"id":"C1","displayName":"Alice","username":"alice","updatedAt":"2026-03-01T10:00:00Z"},
			{"id":"C2","displayName":"Bob","phones":["+1 555 010 3000"],"updatedAt":"2026-03-01T10:00:00Z"}
		]}`,
		"/v1/conversations": `{"items":[
			{"id":"D1","title":"Alice","participant":{"contactId":"C1"},"updatedAt":"2026-03-01T10:00:00Z"},
			{"id":"D2","title":"Bob","participant":{"phone":"+15550103000"},"updatedAt":"2026-03-01T10:00:00Z"},
			{"id":"D3","title":"Nobody","participant":{"handle":"@ghost"},"updatedAt":"2026-03-01T10:00:00Z"}
		]}`,
	})
	store := mirror.NewMemoryStore()
	engine := mirror.NewEngine(mirror.EngineOptions{
		Store:      store,
		Adapters:   []mirror.SourceAdapter{NewContacts(api.opts()), NewChat(api.opts())},
		HTTPClient: api.server.Client(),
	})
	t.Cleanup(engine.Close)
	ctx := context.Background()
	for _, source := range []string{SourceContacts, SourceChat} {
		require.NoError(t, store.SaveWorkspace(ctx, mirror.WorkspaceConfig{
			ID:                  "ws-" + source,
			Source:              source,
			Credential:          "token_123",
			ExternalWorkspaceID: "w-" + source,
			Active:              true,
		}))
	}

	runs := engine.SyncAll(ctx, mirror.SyncOptions{})
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.Equal(t, mirror.RunStatusSucceeded, run.Status, "%s: %v", run.Source, run.Errors)
	}

	alice, err := store.GetRecord(ctx, SourceContacts, "C1")
	require.NoError(t, err)
	bob, err := store.GetRecord(ctx, SourceContacts, "C2")
	require.NoError(t, err)

	d1, err := store.GetRecord(ctx, SourceChat, "D1")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, d1.LinkedRecordID)
	d2, err := store.GetRecord(ctx, SourceChat, "D2")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, d2.LinkedRecordID)
	d3, err := store.GetRecord(ctx, SourceChat, "D3")
	require.NoError(t, err)
	assert.Empty(t, d3.LinkedRecordID)
}
