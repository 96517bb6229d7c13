package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const SourceChat = "chat"

// Participant signals stay out of the username/phone/email fields; only
// contacts answer identity lookups.
const (
	fieldHandle           = "handle"
	fieldParticipantPhone = "participantPhone"
	fieldParticipantEmail = "participantEmail"
)

// Chat mirrors direct conversations and links each to the matching contact.
type Chat struct {
	client *feedClient
}

func NewChat(opts ClientOptions) *Chat {
	return &Chat{client: newFeedClient(opts, "https://api.chat.example.com")}
}

func (a *Chat) Source() string { return SourceChat }

func (a *Chat) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		LocalFields:    []string{"notes"},
		TerminalStates: []string{"archived"},
	}
}

type chatParticipant struct {
	ContactID string `json:"contactId"`
	Handle    string `json:"handle"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

type conversation struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Archived      bool            `json:"archived"`
	Participant   chatParticipant `json:"participant"`
	LastMessageAt *time.Time      `json:"lastMessageAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (a *Chat) FetchAll(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	raw, err := a.client.fetchFeed(ctx, sc, "/v1/conversations", url.Values{"workspace": []string{cfg.ExternalWorkspaceID}})
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch conversations: %w", err)
	}
	return decodeItems(raw, normalizeConversation), nil
}

func normalizeConversation(c conversation) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(c.ID, c.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	fields := map[string]string{mirror.FieldTitle: c.Title}
	if c.Participant.ContactID != "" {
		fields["contactId"] = c.Participant.ContactID
	}
	if c.Participant.Handle != "" {
		fields[fieldHandle] = c.Participant.Handle
	}
	if c.Participant.Phone != "" {
		fields[fieldParticipantPhone] = c.Participant.Phone
	}
	if c.Participant.Email != "" {
		fields[fieldParticipantEmail] = c.Participant.Email
	}
	if c.LastMessageAt != nil {
		fields["lastMessageAt"] = c.LastMessageAt.UTC().Format(time.RFC3339)
	}
	state := "open"
	if c.Archived {
		state = "archived"
	}
	return mirror.NormalizedRecord{
		ExternalID: c.ID,
		Kind:       mirror.KindConversation,
		UpdatedAt:  c.UpdatedAt.UTC(),
		State:      state,
		Fields:     fields,
	}, nil
}

func (a *Chat) Push(context.Context, mirror.SyncContext, mirror.WorkspaceConfig, string, map[string]string) mirror.PushResult {
	return mirror.PushResult{Error: "chat does not accept write-back"}
}

func (a *Chat) Identify(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
	var me struct {
		WorkspaceID string `json:"workspaceId"`
		UserID      string `json:"userId"`
		Name        string `json:"name"`
	}
	if err := a.client.doJSON(ctx, sc, http.MethodGet, "/v1/me", nil, nil, &me); err != nil {
		return mirror.WorkspaceIdentity{}, err
	}
	if me.WorkspaceID == "" {
		return mirror.WorkspaceIdentity{}, fmt.Errorf("identity response has no workspace")
	}
	return mirror.WorkspaceIdentity{ExternalWorkspaceID: me.WorkspaceID, UserID: me.UserID, DisplayName: me.Name}, nil
}

// IdentityKey points a conversation at its contact: by directory id when the
// chat service knows it, else by handle, phone and email.
func (a *Chat) IdentityKey(record mirror.NormalizedRecord) mirror.IdentityKey {
	return mirror.IdentityKey{
		External: mirror.ExternalRef(SourceContacts, record.Fields["contactId"]),
		Username: record.Fields[fieldHandle],
		Phone:    record.Fields[fieldParticipantPhone],
		Email:    record.Fields[fieldParticipantEmail],
	}
}

var _ mirror.SourceAdapter = (*Chat)(nil)
