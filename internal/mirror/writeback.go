package mirror

import (
	"context"
	"fmt"
	"strings"
)

type WritebackRequest struct {
	Source        string
	ExternalID    string
	Patch         map[string]string
	CorrelationID string
}

// EditRequest is a local mutation. LocalFields must be local-owned for the
// source; Fields must be on the source's write-back allow-list.
type EditRequest struct {
	Source        string            `json:"source"`
	ExternalID    string            `json:"externalId"`
	Fields        map[string]string `json:"fields,omitempty"`
	LocalFields   map[string]string `json:"localFields,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// ScheduleWriteback filters the patch through the allow-list and hands it to
// the write-back queue. The push happens later on a worker; its outcome is
// never reported back to the caller. It returns the op id when queued; a full
// queue drops the request.
func (e *Engine) ScheduleWriteback(ctx context.Context, req WritebackRequest) (string, bool) {
	source := normalizeSource(req.Source)
	logger := e.log.With().Str("source", source).Str("external_id", req.ExternalID).Logger()
	adapter, err := e.adapter(source)
	if err != nil {
		logger.Warn().Err(err).Msg("writeback for unknown source dropped")
		return "", false
	}
	record, err := e.store.GetRecord(ctx, source, req.ExternalID)
	if err != nil {
		logger.Warn().Err(err).Msg("writeback for unknown record dropped")
		return "", false
	}
	patch := allowedPatch(adapter.Profile(), record, req.Patch)
	if len(patch) == 0 {
		return "", false
	}
	select {
	case <-e.closed:
		return "", false
	default:
	}

	item := WritebackQueueItem{
		OpID:          e.newID(),
		Source:        source,
		WorkspaceID:   record.WorkspaceID,
		ExternalID:    record.ExternalID,
		Patch:         patch,
		CorrelationID: req.CorrelationID,
		EnqueuedAt:    e.clock(),
	}
	if !e.writebackQueue.TryEnqueue(item) {
		e.recorder.WritebackFinished(source, false)
		logger.Warn().Err(ErrQueueFull).Str("op_id", item.OpID).Msg("writeback dropped")
		return "", false
	}
	return item.OpID, true
}

// EditRecord commits a local edit and schedules the allow-listed part of it
// for write-back. The returned record reflects the committed local state.
func (e *Engine) EditRecord(ctx context.Context, req EditRequest) (LocalRecord, error) {
	source := normalizeSource(req.Source)
	adapter, err := e.adapter(source)
	if err != nil {
		return LocalRecord{}, fmt.Errorf("%w: %s", err, source)
	}
	if len(req.Fields) == 0 && len(req.LocalFields) == 0 {
		return LocalRecord{}, fmt.Errorf("%w: empty edit", ErrInvalidInput)
	}
	profile := adapter.Profile()
	for field := range req.LocalFields {
		if !profile.IsLocal(field) {
			return LocalRecord{}, fmt.Errorf("%w: %s is not a local field", ErrInvalidInput, field)
		}
	}
	for field := range req.Fields {
		if profile.IsLocal(field) || !profile.IsWritable(field) {
			return LocalRecord{}, fmt.Errorf("%w: %s is not editable", ErrInvalidInput, field)
		}
	}

	record, err := e.store.GetRecord(ctx, source, req.ExternalID)
	if err != nil {
		return LocalRecord{}, err
	}
	if record.LocalFields == nil {
		record.LocalFields = map[string]string{}
	}
	if record.Fields == nil {
		record.Fields = map[string]string{}
	}
	for k, v := range req.LocalFields {
		record.LocalFields[k] = v
	}
	for k, v := range req.Fields {
		record.Fields[k] = v
	}
	record.UpdatedAt = e.clock()
	if err := e.store.UpsertRecord(ctx, record); err != nil {
		return LocalRecord{}, fmt.Errorf("upsert: %w", err)
	}
	if len(req.Fields) > 0 && !record.LocalOnly {
		e.ScheduleWriteback(ctx, WritebackRequest{
			Source:        source,
			ExternalID:    record.ExternalID,
			Patch:         req.Fields,
			CorrelationID: req.CorrelationID,
		})
	}
	return record, nil
}

// CreateLocalRecord stores a record that has no remote counterpart yet.
// Reconciliation never tombstones local-only records.
func (e *Engine) CreateLocalRecord(ctx context.Context, record LocalRecord) (LocalRecord, error) {
	record.Source = normalizeSource(record.Source)
	if _, err := e.adapter(record.Source); err != nil {
		return LocalRecord{}, fmt.Errorf("%w: %s", err, record.Source)
	}
	if record.Kind == "" {
		return LocalRecord{}, fmt.Errorf("%w: kind is required", ErrInvalidInput)
	}
	now := e.clock()
	record.ID = e.newID()
	if strings.TrimSpace(record.ExternalID) == "" {
		record.ExternalID = "local-" + record.ID
	}
	if _, err := e.store.GetRecord(ctx, record.Source, record.ExternalID); err == nil {
		return LocalRecord{}, fmt.Errorf("%w: record %s already exists", ErrInvalidState, record.ExternalID)
	}
	if record.Fields == nil {
		record.Fields = map[string]string{}
	}
	if record.LocalFields == nil {
		record.LocalFields = map[string]string{}
	}
	record.Username = NormalizeUsername(record.Fields[FieldUsername])
	record.Phone = NormalizePhone(record.Fields[FieldPhone])
	record.Email = NormalizeEmail(record.Fields[FieldEmail])
	record.LocalOnly = true
	record.CompletedAt = nil
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := e.store.UpsertRecord(ctx, record); err != nil {
		return LocalRecord{}, fmt.Errorf("upsert: %w", err)
	}
	return record, nil
}

func (e *Engine) writebackWorker() {
	for {
		item, ok := e.writebackQueue.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		e.processWriteback(item)
	}
}

// processWriteback pushes one item. Failures are logged and counted but
// never retried.
func (e *Engine) processWriteback(item WritebackQueueItem) {
	logger := e.log.With().
		Str("op_id", item.OpID).
		Str("source", item.Source).
		Str("external_id", item.ExternalID).
		Logger()
	ctx, cancel := context.WithTimeout(e.queueCtx, e.writebackTimeout)
	defer cancel()

	result := e.pushWriteback(ctx, item)
	if result.Success {
		logger.Debug().Int("fields", len(item.Patch)).Msg("writeback pushed")
	} else {
		logger.Error().Str("error", result.Error).Msg("writeback failed")
	}
	e.recorder.WritebackFinished(item.Source, result.Success)
	e.notify(NotifyWritebackFinished, item.Source, map[string]any{
		"opId":       item.OpID,
		"externalId": item.ExternalID,
		"success":    result.Success,
	})
}

func (e *Engine) pushWriteback(ctx context.Context, item WritebackQueueItem) PushResult {
	adapter, err := e.adapter(item.Source)
	if err != nil {
		return PushResult{Error: err.Error()}
	}
	cfg, err := e.store.GetWorkspace(ctx, item.WorkspaceID)
	if err != nil {
		return PushResult{Error: fmt.Sprintf("load workspace %s: %v", item.WorkspaceID, err)}
	}
	if !cfg.Active {
		return PushResult{Error: fmt.Sprintf("workspace %s is inactive", cfg.ID)}
	}
	return adapter.Push(ctx, e.syncContext(cfg, item.CorrelationID), cfg, item.ExternalID, item.Patch)
}

// allowedPatch keeps allow-listed fields and drops any field the record
// received from a read-only upstream channel.
func allowedPatch(profile SourceProfile, record LocalRecord, patch map[string]string) map[string]string {
	out := map[string]string{}
	for field, value := range patch {
		if !profile.IsWritable(field) || profile.IsLocal(field) {
			continue
		}
		if containsFold(record.ReadOnlyFields, field) {
			continue
		}
		out[field] = value
	}
	return out
}
