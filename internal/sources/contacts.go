package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const SourceContacts = "contacts"

const fieldNickname = "nickname"

// Contacts mirrors a contact directory. Contacts synced from a device address
// book are read-only upstream.
type Contacts struct {
	client *feedClient
}

func NewContacts(opts ClientOptions) *Contacts {
	return &Contacts{client: newFeedClient(opts, "https://api.contacts.example.com")}
}

func (a *Contacts) Source() string { return SourceContacts }

func (a *Contacts) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		WritableFields: []string{mirror.FieldTitle, fieldNickname},
		LocalFields:    []string{"notes", "description"},
		TerminalStates: []string{"deleted"},
	}
}

type directoryContact struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Nickname    string    `json:"nickname"`
	Username    string    `json:"username"`
	Phones      []string  `json:"phones"`
	Emails      []string  `json:"emails"`
	Origin      string    `json:"origin"`
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a *Contacts) FetchAll(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	raw, err := a.client.fetchFeed(ctx, sc, "/v1/contacts", url.Values{"directory": []string{cfg.ExternalWorkspaceID}})
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch contacts: %w", err)
	}
	return decodeItems(raw, normalizeContact), nil
}

func normalizeContact(c directoryContact) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(c.ID, c.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	fields := map[string]string{
		mirror.FieldTitle: strings.TrimSpace(c.DisplayName),
		fieldNickname:     strings.TrimSpace(c.Nickname),
	}
	if c.Username != "" {
		fields[mirror.FieldUsername] = c.Username
	}
	if phone := firstNonEmpty(c.Phones); phone != "" {
		fields[mirror.FieldPhone] = phone
	}
	if email := firstNonEmpty(c.Emails); email != "" {
		fields[mirror.FieldEmail] = email
	}
	state := "active"
	if c.Deleted {
		state = "deleted"
	}
	record := mirror.NormalizedRecord{
		ExternalID: c.ID,
		Kind:       mirror.KindContact,
		UpdatedAt:  c.UpdatedAt.UTC(),
		State:      state,
		Fields:     fields,
	}
	if strings.EqualFold(c.Origin, "device") {
		record.ReadOnlyFields = []string{mirror.FieldTitle, fieldNickname}
	}
	return record, nil
}

func (a *Contacts) Push(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig, externalID string, patch map[string]string) mirror.PushResult {
	body := map[string]any{}
	if title, ok := patch[mirror.FieldTitle]; ok {
		body["displayName"] = title
	}
	if nickname, ok := patch[fieldNickname]; ok {
		body["nickname"] = nickname
	}
	return a.client.pushPatch(ctx, sc, "/v1/contacts/"+escapeID(externalID), body)
}

func (a *Contacts) Identify(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
	var me struct {
		DirectoryID string `json:"directoryId"`
		UserID      string `json:"userId"`
		Name        string `json:"name"`
	}
	if err := a.client.doJSON(ctx, sc, http.MethodGet, "/v1/me", nil, nil, &me); err != nil {
		return mirror.WorkspaceIdentity{}, err
	}
	if me.DirectoryID == "" {
		return mirror.WorkspaceIdentity{}, fmt.Errorf("identity response has no directory")
	}
	return mirror.WorkspaceIdentity{ExternalWorkspaceID: me.DirectoryID, UserID: me.UserID, DisplayName: me.Name}, nil
}

// IdentityKey is empty: contacts are the targets other sources link to.
func (a *Contacts) IdentityKey(mirror.NormalizedRecord) mirror.IdentityKey {
	return mirror.IdentityKey{}
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var _ mirror.SourceAdapter = (*Contacts)(nil)
