package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

type SyncOptions struct {
	Force         bool
	CorrelationID string
}

// RunFullSync reconciles every active workspace of source against a complete
// pull. Per-item failures are recorded on the returned run; a fetch failure
// fails that workspace without touching its stored records.
func (e *Engine) RunFullSync(ctx context.Context, source string, opts SyncOptions) (SyncRun, error) {
	source = normalizeSource(source)
	adapter, err := e.adapter(source)
	if err != nil {
		return SyncRun{Source: source, Forced: opts.Force, Status: RunStatusFailed}, fmt.Errorf("%w: %s", err, source)
	}
	configs, err := e.activeWorkspaces(ctx, source)
	if err != nil {
		return SyncRun{Source: source, Forced: opts.Force, Status: RunStatusFailed}, fmt.Errorf("list workspaces: %w", err)
	}
	if len(configs) == 0 {
		e.log.Debug().Str("source", source).Msg("no active workspace, sync skipped")
		return SyncRun{Source: source, Forced: opts.Force, Status: RunStatusSkipped, Errors: []string{}}, nil
	}

	unlock, ok := e.tryLockSource(source)
	if !ok {
		return SyncRun{Source: source, Forced: opts.Force, Status: RunStatusBusy}, ErrSyncInProgress
	}
	defer unlock()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.syncTimeout)
	defer cancel()

	started := e.clock()
	run := SyncRun{
		ID:        e.newID(),
		Source:    source,
		Forced:    opts.Force,
		Status:    RunStatusRunning,
		StartedAt: started,
		Errors:    []string{},
	}
	if err := e.store.CreateSyncRun(ctx, run); err != nil {
		run.Status = RunStatusFailed
		return run, fmt.Errorf("create sync run: %w", err)
	}
	logger := e.log.With().Str("source", source).Str("run_id", run.ID).Bool("forced", opts.Force).Logger()

	var failures []error
	for _, cfg := range configs {
		if err := e.reconcileWorkspace(ctx, adapter, cfg, opts, &run); err != nil {
			err = fmt.Errorf("workspace %s: %w", cfg.ID, err)
			failures = append(failures, err)
			run.Errors = append(run.Errors, err.Error())
			logger.Error().Err(err).Msg("workspace reconciliation failed")
		}
	}

	switch {
	case len(failures) == len(configs):
		run.Status = RunStatusFailed
	case len(failures) > 0 || run.Errored > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}
	finished := e.clock()
	run.FinishedAt = &finished

	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancelFinalize()
	if err := e.store.FinalizeSyncRun(finalizeCtx, run); err != nil {
		logger.Error().Err(err).Msg("finalize sync run")
		failures = append(failures, fmt.Errorf("finalize sync run: %w", err))
	}
	e.recorder.SyncRunFinished(run, finished.Sub(started))
	e.notify(NotifySyncFinished, source, run)
	logger.Info().
		Str("status", string(run.Status)).
		Int("upserted", run.Upserted).
		Int("unchanged", run.Unchanged).
		Int("tombstoned", run.Tombstoned).
		Int("errored", run.Errored).
		Dur("elapsed", finished.Sub(started)).
		Msg("sync run finished")

	if len(failures) > 0 {
		return run, errors.Join(failures...)
	}
	return run, nil
}

// ForceFullSync runs a reconciliation pass with the change-detection guard
// disabled, rewriting every fetched record.
func (e *Engine) ForceFullSync(ctx context.Context, source string) (SyncRun, error) {
	return e.RunFullSync(ctx, source, SyncOptions{Force: true})
}

// SyncAll runs every registered source in turn, in registration order, so
// sources that others link to can be registered first. Failures are logged
// and reflected in the returned runs.
func (e *Engine) SyncAll(ctx context.Context, opts SyncOptions) []SyncRun {
	sources := e.adapters.registered()
	runs := make([]SyncRun, 0, len(sources))
	for _, source := range sources {
		run, err := e.RunFullSync(ctx, source, opts)
		if err != nil {
			e.log.Warn().Err(err).Str("source", source).Msg("scheduled sync failed")
		}
		runs = append(runs, run)
	}
	return runs
}

func (e *Engine) reconcileWorkspace(ctx context.Context, adapter SourceAdapter, cfg WorkspaceConfig, opts SyncOptions, run *SyncRun) error {
	fetched, err := adapter.FetchAll(ctx, e.syncContext(cfg, opts.CorrelationID), cfg)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	present := make(map[string]struct{}, len(fetched.Records))
	for _, rejected := range fetched.Rejected {
		run.recordError(rejected)
		if rejected.ExternalID != "" {
			// still listed upstream, only unreadable
			present[rejected.ExternalID] = struct{}{}
		}
	}

	stored, err := e.store.ListRecords(ctx, RecordFilter{Source: cfg.Source, WorkspaceID: cfg.ID, IncludeCompleted: true})
	if err != nil {
		return fmt.Errorf("load stored records: %w", err)
	}
	known := make(map[string]LocalRecord, len(stored))
	for _, record := range stored {
		if record.LocalOnly {
			continue
		}
		known[record.ExternalID] = record
	}

	profile := adapter.Profile()
	total := len(fetched.Records)
	for i, candidate := range fetched.Records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aborted with %d of %d items unprocessed: %w", total-i, total, err)
		}
		if candidate.ExternalID != "" {
			present[candidate.ExternalID] = struct{}{}
		}
		if err := candidate.validate(); err != nil {
			run.recordError(ItemError{ExternalID: candidate.ExternalID, Err: err})
			continue
		}
		if !profile.Owns(cfg, candidate) || profile.IsTerminal(candidate.State) {
			// not part of the active set; absence handling below applies
			delete(present, candidate.ExternalID)
			continue
		}
		var existing *LocalRecord
		if record, ok := known[candidate.ExternalID]; ok {
			existing = &record
		}
		record, decision, err := e.applyCandidate(ctx, adapter, cfg, candidate, existing, opts.Force, true)
		if err != nil {
			run.recordError(ItemError{ExternalID: candidate.ExternalID, Err: err})
			continue
		}
		known[candidate.ExternalID] = record
		e.recorder.ItemDecided(cfg.Source, decision)
		if decision == DecisionSkip {
			run.Unchanged++
		} else {
			run.Upserted++
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aborted before tombstoning: %w", err)
	}
	now := e.clock()
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := present[id]; ok {
			continue
		}
		record := known[id]
		if record.Completed() {
			continue
		}
		completed := now
		record.CompletedAt = &completed
		record.UpdatedAt = now
		if err := e.store.UpsertRecord(ctx, record); err != nil {
			run.recordError(ItemError{ExternalID: id, Err: fmt.Errorf("tombstone: %w", err)})
			continue
		}
		run.Tombstoned++
	}
	return nil
}

// applyCandidate runs the guard and, on insert or patch, writes the merged
// record. Local-owned fields of the stored record are carried over verbatim.
//
// revive is set only by the full pull, where the candidate is known to be in
// the active set upstream: a tombstoned record the guard would skip is then
// reactivated without moving RemoteUpdatedAt backwards.
func (e *Engine) applyCandidate(ctx context.Context, adapter SourceAdapter, cfg WorkspaceConfig, candidate NormalizedRecord, stored *LocalRecord, force, revive bool) (LocalRecord, Decision, error) {
	decision := Decide(candidate, stored, force)
	if decision == DecisionSkip && revive && stored.Completed() {
		decision = DecisionPatch
		if stored.RemoteUpdatedAt.After(candidate.UpdatedAt) {
			candidate.UpdatedAt = stored.RemoteUpdatedAt
		}
	}
	if decision == DecisionSkip {
		return *stored, decision, nil
	}

	now := e.clock()
	var record LocalRecord
	if stored != nil {
		record = stored.clone()
	} else {
		record = LocalRecord{ID: e.newID(), CreatedAt: now, LocalFields: map[string]string{}}
	}
	profile := adapter.Profile()
	record.Source = cfg.Source
	record.WorkspaceID = cfg.ID
	record.ExternalID = candidate.ExternalID
	if candidate.Kind != "" {
		record.Kind = candidate.Kind
	}
	record.RemoteUpdatedAt = candidate.UpdatedAt
	record.CompletedAt = nil
	record.OwnerID = candidate.OwnerID
	record.State = candidate.State
	record.ParentID = candidate.ParentID
	record.Fields = sourceOwnedFields(profile, candidate.Fields)
	record.ReadOnlyFields = append([]string(nil), candidate.ReadOnlyFields...)
	record.Username = NormalizeUsername(record.Fields[FieldUsername])
	record.Phone = NormalizePhone(record.Fields[FieldPhone])
	record.Email = NormalizeEmail(record.Fields[FieldEmail])
	record.LocalOnly = false
	record.UpdatedAt = now

	key := adapter.IdentityKey(candidate)
	record.LinkedRecordID = ""
	if !key.Empty() {
		linked, found, err := e.resolver.Resolve(ctx, key)
		if err != nil {
			return LocalRecord{}, decision, fmt.Errorf("resolve identity: %w", err)
		}
		if found && linked.ID != record.ID {
			record.LinkedRecordID = linked.ID
		}
	}

	if err := e.store.UpsertRecord(ctx, record); err != nil {
		return LocalRecord{}, decision, fmt.Errorf("upsert: %w", err)
	}
	return record, decision, nil
}

func (e *Engine) activeWorkspaces(ctx context.Context, source string) ([]WorkspaceConfig, error) {
	configs, err := e.store.ListWorkspaces(ctx, source)
	if err != nil {
		return nil, err
	}
	active := configs[:0]
	for _, cfg := range configs {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	return active, nil
}

func sourceOwnedFields(profile SourceProfile, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if profile.IsLocal(k) {
			continue
		}
		out[k] = v
	}
	return out
}
