package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const SourceIssues = "issues"

var issuePriorityNames = map[int]string{
	0: "none",
	1: "urgent",
	2: "high",
	3: "medium",
	4: "low",
}

type IssueTracker struct {
	client *feedClient
}

func NewIssueTracker(opts ClientOptions) *IssueTracker {
	return &IssueTracker{client: newFeedClient(opts, "https://api.issues.example.com")}
}

func (a *IssueTracker) Source() string { return SourceIssues }

func (a *IssueTracker) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		WritableFields: []string{mirror.FieldTitle, mirror.FieldPriority},
		LocalFields:    []string{"notes", "description"},
		TerminalStates: []string{"completed", "canceled"},
		StatusBuckets: map[string]string{
			"triage":    "open",
			"backlog":   "open",
			"unstarted": "open",
			"started":   "active",
		},
		OwnerScoped: []mirror.RecordKind{mirror.KindIssue},
	}
}

type trackerProject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	LeadID    string    `json:"leadId"`
	TeamKey   string    `json:"teamKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type trackerIssue struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
	StateType  string    `json:"stateType"`
	Priority   *int      `json:"priority"`
	AssigneeID string    `json:"assigneeId"`
	TeamKey    string    `json:"teamKey"`
	ProjectID  string    `json:"projectId"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (a *IssueTracker) FetchAll(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	query := url.Values{"workspace": []string{cfg.ExternalWorkspaceID}}
	projects, err := a.client.fetchFeed(ctx, sc, "/v1/projects", query)
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch projects: %w", err)
	}
	issueQuery := url.Values{"workspace": []string{cfg.ExternalWorkspaceID}}
	if owner := strings.TrimSpace(cfg.OwnerFilter); owner != "" {
		issueQuery.Set("assignee", owner)
	}
	issues, err := a.client.fetchFeed(ctx, sc, "/v1/issues", issueQuery)
	if err != nil {
		return mirror.FetchResult{}, fmt.Errorf("fetch issues: %w", err)
	}

	result := decodeItems(projects, normalizeProject)
	issueResult := decodeItems(issues, normalizeIssue)
	result.Records = append(result.Records, issueResult.Records...)
	result.Rejected = append(result.Rejected, issueResult.Rejected...)
	return result, nil
}

func normalizeProject(p trackerProject) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(p.ID, p.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	return mirror.NormalizedRecord{
		ExternalID: p.ID,
		Kind:       mirror.KindProject,
		UpdatedAt:  p.UpdatedAt.UTC(),
		OwnerID:    p.LeadID,
		State:      strings.ToLower(p.State),
		Fields: map[string]string{
			mirror.FieldTitle: p.Name,
			mirror.FieldTeam:  strings.ToLower(p.TeamKey),
		},
	}, nil
}

func normalizeIssue(i trackerIssue) (mirror.NormalizedRecord, error) {
	if err := requireIdentity(i.ID, i.UpdatedAt); err != nil {
		return mirror.NormalizedRecord{}, err
	}
	priority := "none"
	if i.Priority != nil {
		name, ok := issuePriorityNames[*i.Priority]
		if !ok {
			return mirror.NormalizedRecord{}, fmt.Errorf("issue %s: unknown priority %d", i.ID, *i.Priority)
		}
		priority = name
	}
	fields := map[string]string{
		mirror.FieldTitle:    i.Title,
		mirror.FieldPriority: priority,
		mirror.FieldTeam:     strings.ToLower(i.TeamKey),
	}
	if i.Identifier != "" {
		fields["identifier"] = i.Identifier
	}
	if i.ProjectID != "" {
		fields[mirror.FieldProject] = i.ProjectID
	}
	return mirror.NormalizedRecord{
		ExternalID: i.ID,
		Kind:       mirror.KindIssue,
		UpdatedAt:  i.UpdatedAt.UTC(),
		OwnerID:    i.AssigneeID,
		State:      strings.ToLower(i.StateType),
		ParentID:   i.ProjectID,
		Fields:     fields,
	}, nil
}

func (a *IssueTracker) Push(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig, externalID string, patch map[string]string) mirror.PushResult {
	body := map[string]any{}
	for field, value := range patch {
		switch field {
		case mirror.FieldTitle:
			body["title"] = value
		case mirror.FieldPriority:
			level, err := priorityLevel(value)
			if err != nil {
				return mirror.PushResult{Error: err.Error()}
			}
			body["priority"] = level
		}
	}
	return a.client.pushPatch(ctx, sc, "/v1/issues/"+escapeID(externalID), body)
}

func priorityLevel(name string) (int, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for level, candidate := range issuePriorityNames {
		if candidate == name {
			return level, nil
		}
	}
	if level, err := strconv.Atoi(name); err == nil {
		if _, ok := issuePriorityNames[level]; ok {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

type trackerViewer struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Name        string `json:"name"`
}

func (a *IssueTracker) Identify(ctx context.Context, sc mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
	var viewer trackerViewer
	if err := a.client.doJSON(ctx, sc, http.MethodGet, "/v1/me", nil, nil, &viewer); err != nil {
		return mirror.WorkspaceIdentity{}, err
	}
	if viewer.WorkspaceID == "" {
		return mirror.WorkspaceIdentity{}, fmt.Errorf("identity response has no workspace")
	}
	return mirror.WorkspaceIdentity{
		ExternalWorkspaceID: viewer.WorkspaceID,
		UserID:              viewer.UserID,
		DisplayName:         viewer.Name,
	}, nil
}

// IdentityKey links an issue to its project record.
func (a *IssueTracker) IdentityKey(record mirror.NormalizedRecord) mirror.IdentityKey {
	if record.Kind != mirror.KindIssue || record.ParentID == "" {
		return mirror.IdentityKey{}
	}
	return mirror.IdentityKey{External: mirror.ExternalRef(SourceIssues, record.ParentID)}
}

var _ mirror.SourceAdapter = (*IssueTracker)(nil)

