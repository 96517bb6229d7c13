package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AdminResult is returned by every administrative operation. Failures are
// reported in the result rather than as a Go error.
type AdminResult struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message,omitempty"`
	Error     string                `json:"error,omitempty"`
	Counts    map[string]SyncCounts `json:"counts,omitempty"`
	Errors    []string              `json:"errors,omitempty"`
	Workspace *WorkspaceConfig      `json:"workspace,omitempty"`
}

type SyncCounts struct {
	RunID      string    `json:"runId,omitempty"`
	Status     RunStatus `json:"status"`
	Upserted   int       `json:"upserted"`
	Unchanged  int       `json:"unchanged"`
	Tombstoned int       `json:"tombstoned"`
	Errored    int       `json:"errored"`
}

type AddWorkspaceRequest struct {
	Source              string `json:"source"`
	Credential          string `json:"credential"`
	ExternalWorkspaceID string `json:"externalWorkspaceId,omitempty"`
	// OwnerFilter restricts owner-scoped records; "me" resolves to the
	// connected account's user id.
	OwnerFilter string `json:"ownerFilter,omitempty"`
	Label       string `json:"label,omitempty"`
}

const ownerFilterSelf = "me"

func failed(format string, args ...any) AdminResult {
	return AdminResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TriggerManualSync runs a normal reconciliation pass for one source, or for
// every registered source when source is empty.
func (e *Engine) TriggerManualSync(ctx context.Context, source string) AdminResult {
	return e.syncSources(ctx, source, SyncOptions{})
}

// ForceResync is TriggerManualSync with the change-detection guard disabled.
func (e *Engine) ForceResync(ctx context.Context, source string) AdminResult {
	return e.syncSources(ctx, source, SyncOptions{Force: true})
}

// syncSources runs the selected sources one after another in registration
// order, the same order SyncAll uses, so records other sources link to are
// reconciled first.
func (e *Engine) syncSources(ctx context.Context, source string, opts SyncOptions) AdminResult {
	sources := e.adapters.registered()
	if strings.TrimSpace(source) != "" {
		if _, err := e.adapter(source); err != nil {
			return failed("unknown source %q", source)
		}
		sources = []string{normalizeSource(source)}
	}
	if len(sources) == 0 {
		return failed("no sources registered")
	}

	counts := make(map[string]SyncCounts, len(sources))
	var errs []string
	for _, src := range sources {
		run, err := e.RunFullSync(ctx, src, opts)
		counts[src] = SyncCounts{
			RunID:      run.ID,
			Status:     run.Status,
			Upserted:   run.Upserted,
			Unchanged:  run.Unchanged,
			Tombstoned: run.Tombstoned,
			Errored:    run.Errored,
		}
		switch {
		case errors.Is(err, ErrSyncInProgress):
			errs = append(errs, fmt.Sprintf("%s: sync already in progress", src))
		case err != nil:
			errs = append(errs, fmt.Sprintf("%s: %v", src, err))
		case run.Errored > 0:
			errs = append(errs, fmt.Sprintf("%s: %d item(s) failed", src, run.Errored))
		}
	}

	verb := "sync"
	if opts.Force {
		verb = "force resync"
	}
	result := AdminResult{Counts: counts, Errors: errs}
	if len(errs) == 0 {
		result.Success = true
		result.Message = fmt.Sprintf("%s completed for %d source(s)", verb, len(sources))
		return result
	}
	result.Error = fmt.Sprintf("%s finished with %d error(s)", verb, len(errs))
	return result
}

// AddWorkspace onboards a connection. The credential is verified against the
// source before the config is stored.
func (e *Engine) AddWorkspace(ctx context.Context, req AddWorkspaceRequest) AdminResult {
	source := normalizeSource(req.Source)
	adapter, err := e.adapter(source)
	if err != nil {
		return failed("unknown source %q", req.Source)
	}
	if strings.TrimSpace(req.Credential) == "" {
		return failed("credential is required")
	}
	now := e.clock()
	cfg := WorkspaceConfig{
		ID:                  e.newID(),
		Source:              source,
		Label:               strings.TrimSpace(req.Label),
		Credential:          strings.TrimSpace(req.Credential),
		ExternalWorkspaceID: strings.TrimSpace(req.ExternalWorkspaceID),
		OwnerFilter:         strings.TrimSpace(req.OwnerFilter),
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	identity, err := adapter.Identify(ctx, e.syncContext(cfg, ""), cfg)
	if err != nil {
		return failed("connection test failed: %v", err)
	}
	if cfg.ExternalWorkspaceID == "" {
		cfg.ExternalWorkspaceID = identity.ExternalWorkspaceID
	}
	if cfg.ExternalWorkspaceID == "" {
		return failed("source did not report a workspace id")
	}
	if strings.EqualFold(cfg.OwnerFilter, ownerFilterSelf) {
		cfg.OwnerFilter = identity.UserID
	}
	if cfg.Label == "" {
		cfg.Label = identity.DisplayName
	}

	existing, err := e.store.ListWorkspaces(ctx, source)
	if err != nil {
		return failed("list workspaces: %v", err)
	}
	for _, other := range existing {
		if other.ExternalWorkspaceID == cfg.ExternalWorkspaceID {
			return failed("workspace %s is already connected as %s", cfg.ExternalWorkspaceID, other.ID)
		}
	}
	if err := e.store.SaveWorkspace(ctx, cfg); err != nil {
		return failed("save workspace: %v", err)
	}
	e.log.Info().Str("source", source).Str("workspace_id", cfg.ID).Msg("workspace added")
	redacted := cfg.Redacted()
	return AdminResult{
		Success:   true,
		Message:   fmt.Sprintf("connected %s workspace %s", source, cfg.ExternalWorkspaceID),
		Workspace: &redacted,
	}
}

func (e *Engine) ToggleWorkspaceActive(ctx context.Context, id string) AdminResult {
	cfg, err := e.store.GetWorkspace(ctx, id)
	if err != nil {
		return failed("workspace %s: %v", id, err)
	}
	cfg.Active = !cfg.Active
	cfg.UpdatedAt = e.clock()
	if err := e.store.SaveWorkspace(ctx, cfg); err != nil {
		return failed("save workspace: %v", err)
	}
	state := "deactivated"
	if cfg.Active {
		state = "activated"
	}
	redacted := cfg.Redacted()
	return AdminResult{Success: true, Message: fmt.Sprintf("workspace %s %s", cfg.ID, state), Workspace: &redacted}
}

// DeleteWorkspace removes the config and every record mirrored through it.
func (e *Engine) DeleteWorkspace(ctx context.Context, id string) AdminResult {
	cfg, err := e.store.GetWorkspace(ctx, id)
	if err != nil {
		return failed("workspace %s: %v", id, err)
	}
	removed, err := e.store.DeleteWorkspaceRecords(ctx, cfg.ID)
	if err != nil {
		return failed("delete records: %v", err)
	}
	if err := e.store.DeleteWorkspace(ctx, cfg.ID); err != nil {
		return failed("delete workspace: %v", err)
	}
	e.log.Info().Str("source", cfg.Source).Str("workspace_id", cfg.ID).Int("records", removed).Msg("workspace deleted")
	return AdminResult{Success: true, Message: fmt.Sprintf("deleted workspace %s and %d record(s)", cfg.ID, removed)}
}

func (e *Engine) TestConnection(ctx context.Context, id string) AdminResult {
	cfg, err := e.store.GetWorkspace(ctx, id)
	if err != nil {
		return failed("workspace %s: %v", id, err)
	}
	adapter, err := e.adapter(cfg.Source)
	if err != nil {
		return failed("unknown source %q", cfg.Source)
	}
	identity, err := adapter.Identify(ctx, e.syncContext(cfg, ""), cfg)
	if err != nil {
		return failed("connection failed: %v", err)
	}
	msg := fmt.Sprintf("connected to %s workspace %s", cfg.Source, identity.ExternalWorkspaceID)
	if identity.UserID != "" {
		msg += " as " + identity.UserID
	}
	return AdminResult{Success: true, Message: msg}
}
