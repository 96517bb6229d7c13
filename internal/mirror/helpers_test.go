package mirror

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pushCall struct {
	workspaceID string
	externalID  string
	patch       map[string]string
}

// fakeAdapter serves a mutable upstream item set and records pushes.
type fakeAdapter struct {
	source  string
	profile SourceProfile

	mu           sync.Mutex
	records      []NormalizedRecord
	rejected     []ItemError
	fetchErr     error
	fetchCalls   int
	fetchGate    chan struct{}
	fetchEntered chan struct{}
	pushResult   PushResult
	pushGate     chan struct{}
	pushes       chan pushCall
	identity     WorkspaceIdentity
	identifyErr  error
	keyFn        func(NormalizedRecord) IdentityKey
}

func newFakeAdapter(source string) *fakeAdapter {
	return &fakeAdapter{
		source: source,
		profile: SourceProfile{
			WritableFields: []string{FieldTitle, FieldPriority},
			LocalFields:    []string{"notes"},
			TerminalStates: []string{"completed", "canceled"},
			StatusBuckets:  map[string]string{"todo": "open", "in_progress": "active"},
			OwnerScoped:    []RecordKind{KindIssue},
		},
		pushResult: PushResult{Success: true},
		pushes:     make(chan pushCall, 16),
		identity:   WorkspaceIdentity{ExternalWorkspaceID: "team-1", UserID: "user-1", DisplayName: "Team One"},
	}
}

func (a *fakeAdapter) Source() string         { return a.source }
func (a *fakeAdapter) Profile() SourceProfile { return a.profile }

func (a *fakeAdapter) setRecords(records ...NormalizedRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append([]NormalizedRecord(nil), records...)
}

func (a *fakeAdapter) FetchAll(ctx context.Context, _ SyncContext, _ WorkspaceConfig) (FetchResult, error) {
	a.mu.Lock()
	a.fetchCalls++
	gate := a.fetchGate
	entered := a.fetchEntered
	a.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return FetchResult{}, a.fetchErr
	}
	return FetchResult{
		Records:  append([]NormalizedRecord(nil), a.records...),
		Rejected: append([]ItemError(nil), a.rejected...),
	}, nil
}

func (a *fakeAdapter) Push(ctx context.Context, _ SyncContext, cfg WorkspaceConfig, externalID string, patch map[string]string) PushResult {
	if a.pushGate != nil {
		select {
		case <-a.pushGate:
		case <-ctx.Done():
			return PushResult{Error: ctx.Err().Error()}
		}
	}
	a.pushes <- pushCall{workspaceID: cfg.ID, externalID: externalID, patch: cloneStringMap(patch)}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushResult
}

func (a *fakeAdapter) Identify(context.Context, SyncContext, WorkspaceConfig) (WorkspaceIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity, a.identifyErr
}

func (a *fakeAdapter) IdentityKey(record NormalizedRecord) IdentityKey {
	if a.keyFn == nil {
		return IdentityKey{}
	}
	return a.keyFn(record)
}

type testEnv struct {
	engine  *Engine
	store   *MemoryStore
	clock   *fakeClock
	adapter *fakeAdapter
}

func newTestEnv(t *testing.T, mutate ...func(*EngineOptions)) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	adapter := newFakeAdapter("tracker")
	var seq int
	var seqMu sync.Mutex
	opts := EngineOptions{
		Store:    store,
		Adapters: []SourceAdapter{adapter},
		Clock:    clock.Now,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine := NewEngine(opts)
	t.Cleanup(engine.Close)
	return &testEnv{engine: engine, store: store, clock: clock, adapter: adapter}
}

func (env *testEnv) addWorkspace(t *testing.T, id, ownerFilter string) WorkspaceConfig {
	t.Helper()
	cfg := WorkspaceConfig{
		ID:                  id,
		Source:              env.adapter.source,
		Credential:          "secret-" + id,
		ExternalWorkspaceID: "team-" + id,
		OwnerFilter:         ownerFilter,
		Active:              true,
		CreatedAt:           env.clock.Now(),
		UpdatedAt:           env.clock.Now(),
	}
	if err := env.store.SaveWorkspace(context.Background(), cfg); err != nil {
		t.Fatalf("save workspace failed: %v", err)
	}
	return cfg
}

func (env *testEnv) mustGet(t *testing.T, externalID string) LocalRecord {
	t.Helper()
	record, err := env.store.GetRecord(context.Background(), env.adapter.source, externalID)
	if err != nil {
		t.Fatalf("get record %s failed: %v", externalID, err)
	}
	return record
}

func issue(id string, updatedAt time.Time, title string) NormalizedRecord {
	return NormalizedRecord{
		ExternalID: id,
		Kind:       KindIssue,
		UpdatedAt:  updatedAt,
		State:      "todo",
		Fields:     map[string]string{FieldTitle: title},
	}
}

func waitPush(t *testing.T, adapter *fakeAdapter) pushCall {
	t.Helper()
	select {
	case call := <-adapter.pushes:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push")
	}
	return pushCall{}
}

func assertNoPush(t *testing.T, adapter *fakeAdapter, wait time.Duration) {
	t.Helper()
	select {
	case call := <-adapter.pushes:
		t.Fatalf("unexpected push: %+v", call)
	case <-time.After(wait):
	}
}
