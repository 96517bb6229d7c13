package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ApplyEvent applies one webhook event for source. Events for unknown or
// inactive workspaces are ignored without error. Replaying an event yields the
// same state as applying it once.
func (e *Engine) ApplyEvent(ctx context.Context, source string, event WebhookEvent) (EventResult, error) {
	source = normalizeSource(source)
	adapter, err := e.adapter(source)
	if err != nil {
		return EventResult{Source: source}, fmt.Errorf("%w: %s", err, source)
	}
	result := EventResult{Source: source, ExternalID: event.subjectID()}

	switch event.Action {
	case ActionCreate, ActionUpdate, ActionRemove:
	default:
		return result, fmt.Errorf("%w: unsupported action %q", ErrInvalidInput, event.Action)
	}
	if result.ExternalID == "" {
		return result, fmt.Errorf("%w: event has no subject id", ErrInvalidInput)
	}

	cfg, found, err := e.workspaceForEvent(ctx, source, event.WorkspaceID)
	if err != nil {
		return result, err
	}
	if !found {
		result.Outcome = OutcomeIgnored
		e.finishEvent(result)
		return result, nil
	}

	if event.Action == ActionRemove {
		removed, err := e.deleteForWorkspace(ctx, source, cfg.ID, result.ExternalID)
		if err != nil {
			return result, fmt.Errorf("delete record: %w", err)
		}
		result.Outcome = OutcomeDeleted
		result.Removed = removed
		e.finishEvent(result)
		return result, nil
	}

	subject := event.subject()
	if subject == nil {
		return result, fmt.Errorf("%w: %s event without subject", ErrInvalidInput, event.Action)
	}
	candidate := *subject
	if err := candidate.validate(); err != nil {
		return result, fmt.Errorf("%w: subject missing id or updatedAt", ErrInvalidInput)
	}

	profile := adapter.Profile()
	if !profile.Owns(cfg, candidate) {
		result.Outcome = OutcomeDisowned
		result.Removed, err = e.deleteForWorkspace(ctx, source, cfg.ID, candidate.ExternalID)
		if err != nil {
			return result, fmt.Errorf("delete disowned record: %w", err)
		}
		e.finishEvent(result)
		return result, nil
	}
	if profile.IsTerminal(candidate.State) {
		result.Outcome = OutcomeTerminal
		result.Removed, err = e.deleteForWorkspace(ctx, source, cfg.ID, candidate.ExternalID)
		if err != nil {
			return result, fmt.Errorf("delete terminal record: %w", err)
		}
		e.finishEvent(result)
		return result, nil
	}

	var existing *LocalRecord
	stored, err := e.store.GetRecord(ctx, source, candidate.ExternalID)
	switch {
	case err == nil:
		existing = &stored
	case !errors.Is(err, ErrNotFound):
		return result, fmt.Errorf("load record: %w", err)
	}
	_, decision, err := e.applyCandidate(ctx, adapter, cfg, candidate, existing, false, false)
	if err != nil {
		return result, err
	}
	e.recorder.ItemDecided(source, decision)
	switch decision {
	case DecisionInsert:
		result.Outcome = OutcomeInserted
	case DecisionPatch:
		result.Outcome = OutcomePatched
	default:
		result.Outcome = OutcomeSkipped
	}
	e.finishEvent(result)
	return result, nil
}

func (e *Engine) finishEvent(result EventResult) {
	e.recorder.EventApplied(result.Source, result.Outcome)
	e.notify(NotifyEventApplied, result.Source, result)
	e.log.Debug().
		Str("source", result.Source).
		Str("external_id", result.ExternalID).
		Str("outcome", string(result.Outcome)).
		Msg("webhook event applied")
}

// deleteForWorkspace removes the record only when it was mirrored through
// workspaceID; another workspace of the same source keeps its copy.
func (e *Engine) deleteForWorkspace(ctx context.Context, source, workspaceID, externalID string) (bool, error) {
	stored, err := e.store.GetRecord(ctx, source, externalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored.WorkspaceID != workspaceID {
		return false, nil
	}
	return e.store.DeleteRecord(ctx, source, externalID)
}

// workspaceForEvent finds the active config whose external workspace id
// matches the event.
func (e *Engine) workspaceForEvent(ctx context.Context, source, externalWorkspaceID string) (WorkspaceConfig, bool, error) {
	configs, err := e.activeWorkspaces(ctx, source)
	if err != nil {
		return WorkspaceConfig{}, false, fmt.Errorf("list workspaces: %w", err)
	}
	externalWorkspaceID = strings.TrimSpace(externalWorkspaceID)
	for _, cfg := range configs {
		if cfg.ExternalWorkspaceID == externalWorkspaceID {
			return cfg, true, nil
		}
	}
	return WorkspaceConfig{}, false, nil
}
