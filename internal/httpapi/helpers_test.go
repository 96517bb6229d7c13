package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const testSecret = "test-secret"

var allScopes = []string{ScopeAdminSync, ScopeAdminWorkspaces, ScopeRecordsRead, ScopeRecordsWrite}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pushCall struct {
	externalID string
	patch      map[string]string
}

// trackerAdapter is a static upstream for the "tracker" source.
type trackerAdapter struct {
	mu      sync.Mutex
	records []mirror.NormalizedRecord
	pushes  chan pushCall
}

func newTrackerAdapter() *trackerAdapter {
	return &trackerAdapter{pushes: make(chan pushCall, 8)}
}

func (a *trackerAdapter) Source() string { return "tracker" }

func (a *trackerAdapter) Profile() mirror.SourceProfile {
	return mirror.SourceProfile{
		WritableFields: []string{mirror.FieldTitle},
		LocalFields:    []string{"notes"},
		TerminalStates: []string{"completed"},
		StatusBuckets:  map[string]string{"todo": "open"},
	}
}

func (a *trackerAdapter) setRecords(records ...mirror.NormalizedRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = records
}

func (a *trackerAdapter) FetchAll(context.Context, mirror.SyncContext, mirror.WorkspaceConfig) (mirror.FetchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return mirror.FetchResult{Records: append([]mirror.NormalizedRecord(nil), a.records...)}, nil
}

func (a *trackerAdapter) Push(_ context.Context, _ mirror.SyncContext, _ mirror.WorkspaceConfig, externalID string, patch map[string]string) mirror.PushResult {
	a.pushes <- pushCall{externalID: externalID, patch: patch}
	return mirror.PushResult{Success: true}
}

func (a *trackerAdapter) Identify(_ context.Context, _ mirror.SyncContext, cfg mirror.WorkspaceConfig) (mirror.WorkspaceIdentity, error) {
	return mirror.WorkspaceIdentity{ExternalWorkspaceID: "team-new", UserID: "user-1", DisplayName: "Team New"}, nil
}

func (a *trackerAdapter) IdentityKey(record mirror.NormalizedRecord) mirror.IdentityKey {
	return mirror.IdentityKey{Email: record.Fields[mirror.FieldEmail]}
}

type testEnv struct {
	server   *Server
	engine   *mirror.Engine
	store    *mirror.MemoryStore
	adapter  *trackerAdapter
	clock    *testClock
	notifier *mirror.Broadcaster
}

func newTestEnv(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)}
	store := mirror.NewMemoryStore()
	adapter := newTrackerAdapter()
	notifier := mirror.NewBroadcaster()
	engine := mirror.NewEngine(mirror.EngineOptions{
		Store:    store,
		Adapters: []mirror.SourceAdapter{adapter},
		Clock:    clock.Now,
		Notifier: notifier,
	})
	t.Cleanup(engine.Close)

	cfg := ServerConfig{
		JWTSecret: testSecret,
		Notifier:  notifier,
		Clock:     clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return &testEnv{
		server:   NewServer(engine, cfg),
		engine:   engine,
		store:    store,
		adapter:  adapter,
		clock:    clock,
		notifier: notifier,
	}
}

func (env *testEnv) saveWorkspace(t *testing.T, id, externalID string) {
	t.Helper()
	now := env.clock.Now()
	err := env.store.SaveWorkspace(context.Background(), mirror.WorkspaceConfig{
		ID:                  id,
		Source:              "tracker",
		Credential:          "secret-" + id,
		ExternalWorkspaceID: externalID,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		t.Fatalf("save workspace: %v", err)
	}
}

func (env *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	if len(scopes) == 0 {
		scopes = allScopes
	}
	token, err := SignToken(testSecret, "tester", scopes, time.Hour, env.clock.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func trackerIssue(id, state, title string, updatedAt time.Time) mirror.NormalizedRecord {
	return mirror.NormalizedRecord{
		ExternalID: id,
		Kind:       mirror.KindIssue,
		UpdatedAt:  updatedAt,
		State:      state,
		Fields:     map[string]string{mirror.FieldTitle: title, mirror.FieldEmail: id + "@example.com"},
	}
}

type request struct {
	method  string
	path    string
	token   string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch body := r.body.(type) {
	case nil:
	case []byte:
		bodyBytes = body
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (%s)", want, rec.Code, rec.Body.String())
	}
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}
