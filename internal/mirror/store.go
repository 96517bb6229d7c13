package mirror

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is the local authoritative cache. Every method that mutates a single
// record does so atomically.
type Store interface {
	IdentityLookup

	GetRecord(ctx context.Context, source, externalID string) (LocalRecord, error)
	GetRecordByID(ctx context.Context, id string) (LocalRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]LocalRecord, error)
	UpsertRecord(ctx context.Context, record LocalRecord) error
	DeleteRecord(ctx context.Context, source, externalID string) (bool, error)
	DeleteWorkspaceRecords(ctx context.Context, workspaceID string) (int, error)

	CreateSyncRun(ctx context.Context, run SyncRun) error
	// FinalizeSyncRun writes the final state of a run that is still running.
	// A run that is already finalized is left untouched and ErrInvalidState
	// is returned.
	FinalizeSyncRun(ctx context.Context, run SyncRun) error
	ListSyncRuns(ctx context.Context, source string, limit int) ([]SyncRun, error)

	// UpsertSnapshot patches the row for (dimension, bucket) or inserts it.
	UpsertSnapshot(ctx context.Context, bucket SnapshotBucket) (inserted bool, err error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]SnapshotBucket, error)

	SaveWorkspace(ctx context.Context, cfg WorkspaceConfig) error
	GetWorkspace(ctx context.Context, id string) (WorkspaceConfig, error)
	ListWorkspaces(ctx context.Context, source string) ([]WorkspaceConfig, error)
	DeleteWorkspace(ctx context.Context, id string) error

	Close() error
}

type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]LocalRecord
	runs       []SyncRun
	snapshots  map[string]SnapshotBucket
	workspaces map[string]WorkspaceConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    map[string]LocalRecord{},
		snapshots:  map[string]SnapshotBucket{},
		workspaces: map[string]WorkspaceConfig{},
	}
}

func recordKey(source, externalID string) string {
	return normalizeSource(source) + "\x00" + strings.TrimSpace(externalID)
}

func snapshotKey(b SnapshotBucket) string {
	return b.Dimension + "\x00" + b.Bucket.UTC().Format("2006-01-02T15:04:05Z")
}

func (s *MemoryStore) GetRecord(_ context.Context, source, externalID string) (LocalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[recordKey(source, externalID)]
	if !ok {
		return LocalRecord{}, ErrNotFound
	}
	return record.clone(), nil
}

func (s *MemoryStore) GetRecordByID(_ context.Context, id string) (LocalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.ID == id {
			return record.clone(), nil
		}
	}
	return LocalRecord{}, ErrNotFound
}

func (s *MemoryStore) LookupIdentity(ctx context.Context, kind SignalKind, value string) (LocalRecord, error) {
	switch kind {
	case SignalLink:
		return s.GetRecordByID(ctx, value)
	case SignalExternal:
		source, externalID, ok := ParseExternalRef(value)
		if !ok {
			return LocalRecord{}, ErrNotFound
		}
		return s.GetRecord(ctx, source, externalID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var match *LocalRecord
	for _, key := range sortedKeys(s.records) {
		record := s.records[key]
		var candidate string
		switch kind {
		case SignalUsername:
			candidate = record.Username
		case SignalPhone:
			candidate = record.Phone
		case SignalEmail:
			candidate = record.Email
		default:
			return LocalRecord{}, ErrInvalidInput
		}
		if record.Completed() {
			continue
		}
		if candidate != "" && candidate == value {
			cloned := record.clone()
			match = &cloned
			break
		}
	}
	if match == nil {
		return LocalRecord{}, ErrNotFound
	}
	return *match, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, filter RecordFilter) ([]LocalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalRecord, 0)
	for _, key := range sortedKeys(s.records) {
		record := s.records[key]
		if filter.Source != "" && record.Source != normalizeSource(filter.Source) {
			continue
		}
		if filter.WorkspaceID != "" && record.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Kind != "" && record.Kind != filter.Kind {
			continue
		}
		if !filter.IncludeCompleted && record.Completed() {
			continue
		}
		out = append(out, record.clone())
	}
	return out, nil
}

func (s *MemoryStore) UpsertRecord(_ context.Context, record LocalRecord) error {
	if record.ID == "" || record.Source == "" || record.ExternalID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(record.Source, record.ExternalID)] = record.clone()
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, source, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(source, externalID)
	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) DeleteWorkspaceRecords(_ context.Context, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, record := range s.records {
		if record.WorkspaceID == workspaceID {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateSyncRun(_ context.Context, run SyncRun) error {
	if run.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.ID == run.ID {
			return ErrInvalidState
		}
	}
	s.runs = append(s.runs, cloneRun(run))
	return nil
}

func (s *MemoryStore) FinalizeSyncRun(_ context.Context, run SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.runs {
		if existing.ID != run.ID {
			continue
		}
		if existing.Status != RunStatusRunning {
			return ErrInvalidState
		}
		s.runs[i] = cloneRun(run)
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) ListSyncRuns(_ context.Context, source string, limit int) ([]SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncRun, 0)
	for i := len(s.runs) - 1; i >= 0; i-- {
		run := s.runs[i]
		if source != "" && run.Source != normalizeSource(source) {
			continue
		}
		out = append(out, cloneRun(run))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, bucket SnapshotBucket) (bool, error) {
	if strings.TrimSpace(bucket.Dimension) == "" || bucket.Bucket.IsZero() {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(bucket)
	_, exists := s.snapshots[key]
	s.snapshots[key] = cloneSnapshot(bucket)
	return !exists, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]SnapshotBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SnapshotBucket, 0)
	for _, bucket := range s.snapshots {
		if !filter.From.IsZero() && bucket.Bucket.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && bucket.Bucket.After(filter.To) {
			continue
		}
		if filter.DimensionPrefix != "" && !strings.HasPrefix(bucket.Dimension, filter.DimensionPrefix) {
			continue
		}
		out = append(out, cloneSnapshot(bucket))
	}
	sortSnapshots(out)
	return out, nil
}

func (s *MemoryStore) SaveWorkspace(_ context.Context, cfg WorkspaceConfig) error {
	if cfg.ID == "" || cfg.Source == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (WorkspaceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.workspaces[id]
	if !ok {
		return WorkspaceConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context, source string) ([]WorkspaceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkspaceConfig, 0, len(s.workspaces))
	for _, id := range sortedKeys(s.workspaces) {
		cfg := s.workspaces[id]
		if source != "" && cfg.Source != normalizeSource(source) {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *MemoryStore) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return ErrNotFound
	}
	delete(s.workspaces, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRun(run SyncRun) SyncRun {
	out := run
	out.Errors = append([]string{}, run.Errors...)
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func cloneSnapshot(b SnapshotBucket) SnapshotBucket {
	out := b
	out.ByPriority = cloneIntMap(b.ByPriority)
	out.ByStatus = cloneIntMap(b.ByStatus)
	return out
}

func sortSnapshots(rows []SnapshotBucket) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Bucket.Equal(rows[j].Bucket) {
			return rows[i].Bucket.Before(rows[j].Bucket)
		}
		return rows[i].Dimension < rows[j].Dimension
	})
}
