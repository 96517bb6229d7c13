package sources

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const SourceInbox = "inbox"

// Inbox mirrors per-mailbox message counts. It is read-only upstream.
type Inbox struct {
	client *feedClient
}

func NewInbox(opts ClientOptions) *Inbox {
	return &Inbox{client: newFeedClient(opts, "https://api.mail.example.com")}
}

func (a *Inbox) Source() string { return SourceInbox }

func (a *Inbox) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		LocalFields: []string{"notes"},
	}
}

type mailbox struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Unread    int       `json:"unread"`
	Total     int       `json:"total"`
	Hidden    bool      `json:"hidden"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (a *Inbox) FetchAll(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	raw, err := a.client.fetchFeed(ctx, sc, "/v1/mailboxes", nil)
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch mailboxes: %w", err)
	}
	result := decodeItems(raw, normalizeMailbox)
	visible := result.Records[:0]
	for _, record := range result.Records {
		if record.State != "hidden" {
			visible = append(visible, record)
		}
	}
	result.Records = visible
	return result, nil
}

func normalizeMailbox(m mailbox) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(m.ID, m.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	if m.Unread < 0 || m.Total < 0 || m.Unread > m.Total {
		return mirror.NormalizedRecord{}, fmt.Errorf("mailbox %s: inconsistent counts unread=%d total=%d", m.ID, m.Unread, m.Total)
	}
	state := "visible"
	if m.Hidden {
		state = "hidden"
	}
	return mirror.NormalizedRecord{
		ExternalID: m.ID,
		Kind:       mirror.KindInboxStat,
		UpdatedAt:  m.UpdatedAt.UTC(),
		State:      state,
		Fields: map[string]string{
			mirror.FieldTitle: m.Name,
			"unread":          strconv.Itoa(m.Unread),
			"total":           strconv.Itoa(m.Total),
		},
	}, nil
}

func (a *Inbox) Push(context.Context, mirror.SyncContext, mirror.WorkspaceConfig, string, map[string]string) mirror.PushResult {
	return mirror.PushResult{Error: "inbox does not accept write-back"}
}

func (a *Inbox) Identify(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
	var me struct {
		AccountID string `json:"accountId"`
		Email     string `json:"email"`
	}
	if err := a.client.doJSON(ctx, sc, http.MethodGet, "/v1/me", nil, nil, &me); err != nil {
		return mirror.WorkspaceIdentity{}, err
	}
	if me.AccountID == "" {
		return mirror.WorkspaceIdentity{}, fmt.Errorf("identity response has no account")
	}
	return mirror.WorkspaceIdentity{ExternalWorkspaceID: me.AccountID, UserID: me.Email, DisplayName: me.Email}, nil
}

func (a *Inbox) IdentityKey(mirror.NormalizedRecord) mirror.IdentityKey {
	return mirror.IdentityKey{}
}

var _ mirror.SourceAdapter = (*Inbox)(nil)
