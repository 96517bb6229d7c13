package mirror

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RecordKind string

const (
	KindIssue        RecordKind = "issue"
	KindProject      RecordKind = "project"
	KindContact      RecordKind = "contact"
	KindInboxStat    RecordKind = "inbox_stat"
	KindTimeEntry    RecordKind = "time_entry"
	KindConversation RecordKind = "conversation"
)

// Well-known source-owned field names.
const (
	FieldTitle    = "title"
	FieldTeam     = "team"
	FieldProject  = "project"
	FieldPriority = "priority"
	FieldHours    = "hours"
	FieldUsername = "username"
	FieldPhone    = "phone"
	FieldEmail    = "email"
)

// NormalizedRecord is the uniform shape every SourceAdapter produces, both from
// full pulls and from webhook subjects.
type NormalizedRecord struct {
	ExternalID     string            `json:"id"`
	Kind           RecordKind        `json:"kind,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	OwnerID        string            `json:"ownerId,omitempty"`
	State          string            `json:"state,omitempty"`
	ParentID       string            `json:"parentId,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	ReadOnlyFields []string          `json:"readOnlyFields,omitempty"`
}

func (r NormalizedRecord) validate() error {
	if strings.TrimSpace(r.ExternalID) == "" {
		return ErrInvalidInput
	}
	if r.UpdatedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

// LocalRecord is one mirrored entity. Fields holds source-owned values and is
// overwritten verbatim on patch; LocalFields is never touched by reconciliation.
type LocalRecord struct {
	ID              string            `json:"id"`
	Source          string            `json:"source"`
	WorkspaceID     string            `json:"workspaceId"`
	ExternalID      string            `json:"externalId"`
	Kind            RecordKind        `json:"kind"`
	RemoteUpdatedAt time.Time         `json:"remoteUpdatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	OwnerID         string            `json:"ownerId,omitempty"`
	State           string            `json:"state,omitempty"`
	ParentID        string            `json:"parentId,omitempty"`
	LinkedRecordID  string            `json:"linkedRecordId,omitempty"`
	Fields          map[string]string `json:"fields"`
	LocalFields     map[string]string `json:"localFields"`
	ReadOnlyFields  []string          `json:"readOnlyFields,omitempty"`
	Username        string            `json:"username,omitempty"`
	Phone           string            `json:"phone,omitempty"`
	Email           string            `json:"email,omitempty"`
	LocalOnly       bool              `json:"localOnly,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (r LocalRecord) Completed() bool {
	return r.CompletedAt != nil
}

func (r LocalRecord) clone() LocalRecord {
	out := r
	out.Fields = cloneStringMap(r.Fields)
	out.LocalFields = cloneStringMap(r.LocalFields)
	out.ReadOnlyFields = append([]string(nil), r.ReadOnlyFields...)
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusBusy      RunStatus = "busy"
)

// SyncRun is the audit record of one reconciliation pass.
type SyncRun struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Forced     bool       `json:"forced"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Upserted   int        `json:"upserted"`
	Unchanged  int        `json:"unchanged"`
	Tombstoned int        `json:"tombstoned"`
	Errored    int        `json:"errored"`
	Errors     []string   `json:"errors"`
}

func (r *SyncRun) recordError(err error) {
	r.Errored++
	r.Errors = append(r.Errors, err.Error())
}

type EventAction string

const (
	ActionCreate EventAction = "create"
	ActionUpdate EventAction = "update"
	ActionRemove EventAction = "remove"
)

// WebhookEvent is one inbound incremental notification. Issue/IssueID are the
// documented field names; Record/RecordID are accepted for non-issue sources.
type WebhookEvent struct {
	Action      EventAction       `json:"action"`
	WorkspaceID string            `json:"workspaceId"`
	Issue       *NormalizedRecord `json:"issue,omitempty"`
	IssueID     string            `json:"issueId,omitempty"`
	Record      *NormalizedRecord `json:"record,omitempty"`
	RecordID    string            `json:"recordId,omitempty"`
}

func (e WebhookEvent) subject() *NormalizedRecord {
	if e.Issue != nil {
		return e.Issue
	}
	return e.Record
}

func (e WebhookEvent) subjectID() string {
	switch {
	case strings.TrimSpace(e.IssueID) != "":
		return strings.TrimSpace(e.IssueID)
	case strings.TrimSpace(e.RecordID) != "":
		return strings.TrimSpace(e.RecordID)
	}
	if subject := e.subject(); subject != nil {
		return strings.TrimSpace(subject.ExternalID)
	}
	return ""
}

type EventOutcome string

const (
	OutcomeInserted EventOutcome = "inserted"
	OutcomePatched  EventOutcome = "patched"
	OutcomeSkipped  EventOutcome = "skipped"
	OutcomeDeleted  EventOutcome = "deleted"
	OutcomeDisowned EventOutcome = "disowned"
	OutcomeTerminal EventOutcome = "terminal"
	OutcomeIgnored  EventOutcome = "ignored"
)

type EventResult struct {
	Source     string       `json:"source"`
	ExternalID string       `json:"externalId,omitempty"`
	Outcome    EventOutcome `json:"outcome"`
	Removed    bool         `json:"removed,omitempty"`
}

// SnapshotBucket is one aggregate row per (dimension, bucket).
type SnapshotBucket struct {
	Dimension    string          `json:"dimension"`
	Bucket       time.Time       `json:"bucket"`
	Total        int             `json:"total"`
	ByPriority   map[string]int  `json:"byPriority"`
	ByStatus     map[string]int  `json:"byStatus"`
	TrackedHours decimal.Decimal `json:"trackedHours"`
	CapturedAt   time.Time       `json:"capturedAt"`
}

// WorkspaceConfig is the per-source connection scope.
type WorkspaceConfig struct {
	ID                  string    `json:"id"`
	Source              string    `json:"source"`
	Label               string    `json:"label,omitempty"`
	Credential          string    `json:"credential,omitempty"`
	ExternalWorkspaceID string    `json:"externalWorkspaceId"`
	OwnerFilter         string    `json:"ownerFilter,omitempty"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Redacted returns a copy safe to hand to API callers.
func (c WorkspaceConfig) Redacted() WorkspaceConfig {
	if c.Credential != "" {
		c.Credential = "********"
	}
	return c
}

type RecordFilter struct {
	Source           string
	WorkspaceID      string
	Kind             RecordKind
	IncludeCompleted bool
}

type SnapshotFilter struct {
	From            time.Time
	To              time.Time
	DimensionPrefix string
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
