package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const SourceTimeTracker = "timetracker"

var secondsPerHour = decimal.NewFromInt(3600)

type TimeTracker struct {
	client *feedClient
}

func NewTimeTracker(opts ClientOptions) *TimeTracker {
	return &TimeTracker{client: newFeedClient(opts, "https://api.timetracker.example.com")}
}

func (a *TimeTracker) Source() string { return SourceTimeTracker }

func (a *TimeTracker) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		WritableFields: []string{mirror.FieldTitle},
		LocalFields:    []string{"notes"},
		TerminalStates: []string{"archived"},
		StatusBuckets:  map[string]string{"running": "active", "stopped": "done"},
		OwnerScoped:    []mirror.RecordKind{mirror.KindTimeEntry},
	}
}

type timeEntry struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	ProjectName     string    `json:"projectName"`
	DurationSeconds int64     `json:"durationSeconds"`
	UserID          string    `json:"userId"`
	Running         bool      `json:"running"`
	Archived        bool      `json:"archived"`
	Tags            []string  `json:"tags"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (a *TimeTracker) FetchAll(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	query := url.Values{"workspace": []string{cfg.ExternalWorkspaceID}}
	if owner := strings.TrimSpace(cfg.OwnerFilter); owner != "" {
		query.Set("user", owner)
	}
	raw, err := a.client.fetchFeed(ctx, sc, "/v1/time-entries", query)
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch time entries: %w", err)
	}
	return decodeItems(raw, normalizeTimeEntry), nil
}

func normalizeTimeEntry(e timeEntry) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(e.ID, e.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	if e.DurationSeconds < 0 {
		return mirror.NormalizedRecord{}, fmt.Errorf("time entry %s: negative duration", e.ID)
	}
	state := "stopped"
	switch {
	case e.Archived:
		state = "archived"
	case e.Running:
		state = "running"
	}
	fields := map[string]string{
		mirror.FieldTitle: e.Description,
		mirror.FieldHours: HoursFromSeconds(e.DurationSeconds).String(),
	}
	if e.ProjectName != "" {
		fields[mirror.FieldProject] = e.ProjectName
		fields[mirror.FieldTeam] = strings.ToLower(e.ProjectName)
	}
	if len(e.Tags) > 0 {
		fields["tags"] = strings.Join(e.Tags, ",")
	}
	return mirror.NormalizedRecord{
		ExternalID: e.ID,
		Kind:       mirror.KindTimeEntry,
		UpdatedAt:  e.UpdatedAt.UTC(),
		OwnerID:    e.UserID,
		State:      state,
		Fields:     fields,
	}, nil
}

// HoursFromSeconds converts a duration to hours rounded to two decimals.
func HoursFromSeconds(seconds int64) decimal.Decimal {
	return decimal.NewFromInt(seconds).Div(secondsPerHour).Round(2)
}

func (a *TimeTracker) Push(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig, externalID string, patch map[string]string) mirror.PushResult {
	body := map[string]any{}
	if title, ok := patch[mirror.FieldTitle]; ok {
		body["description"] = title
	}
	return a.client.pushPatch(ctx, sc, "/v1/time-entries/"+escapeID(externalID), body)
}

func (a *TimeTracker) Identify(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
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

func (a *TimeTracker) IdentityKey(mirror.NormalizedRecord) mirror.IdentityKey {
	return mirror.IdentityKey{}
}

var _ mirror.SourceAdapter = (*TimeTracker)(nil)
