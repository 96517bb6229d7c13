package mirror

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncContext is passed into every adapter call in place of ambient clients.
type SyncContext struct {
	HTTPClient    *http.Client
	Credential    string
	Now           func() time.Time
	Logger        zerolog.Logger
	CorrelationID string
}

func (sc SyncContext) now() time.Time {
	if sc.Now == nil {
		return time.Now().UTC()
	}
	return sc.Now()
}

// SourceProfile describes per-source field ownership and lifecycle rules.
type SourceProfile struct {
	// WritableFields are the source-owned fields a local edit may push upstream.
	WritableFields []string
	// LocalFields are owned by the local cache and never overwritten.
	LocalFields []string
	// TerminalStates are lifecycle states that are never mirrored.
	TerminalStates []string
	// StatusBuckets maps a lifecycle state to a snapshot status bucket.
	StatusBuckets map[string]string
	// OwnerScoped lists the kinds subject to the workspace owner filter.
	OwnerScoped []RecordKind
}

func (p SourceProfile) isOwnerScoped(kind RecordKind) bool {
	for _, scoped := range p.OwnerScoped {
		if scoped == kind {
			return true
		}
	}
	return false
}

// Owns reports whether a record belongs in the local set for cfg.
func (p SourceProfile) Owns(cfg WorkspaceConfig, record NormalizedRecord) bool {
	filter := strings.TrimSpace(cfg.OwnerFilter)
	if filter == "" || !p.isOwnerScoped(record.Kind) {
		return true
	}
	return strings.TrimSpace(record.OwnerID) == filter
}

func (p SourceProfile) IsTerminal(state string) bool {
	state = strings.ToLower(strings.TrimSpace(state))
	if state == "" {
		return false
	}
	for _, terminal := range p.TerminalStates {
		if strings.EqualFold(terminal, state) {
			return true
		}
	}
	return false
}

func (p SourceProfile) IsWritable(field string) bool {
	return containsFold(p.WritableFields, field)
}

func (p SourceProfile) IsLocal(field string) bool {
	return containsFold(p.LocalFields, field)
}

func (p SourceProfile) StatusBucket(state string) string {
	state = strings.ToLower(strings.TrimSpace(state))
	if state == "" {
		return "unknown"
	}
	if bucket, ok := p.StatusBuckets[state]; ok {
		return bucket
	}
	return state
}

type FetchResult struct {
	Records  []NormalizedRecord
	Rejected []ItemError
}

type PushResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WorkspaceIdentity is what a source reports about the connected account.
type WorkspaceIdentity struct {
	ExternalWorkspaceID string `json:"externalWorkspaceId"`
	UserID              string `json:"userId,omitempty"`
	DisplayName         string `json:"displayName,omitempty"`
}

type SourceAdapter interface {
	Source() string
	Profile() SourceProfile
	// FetchAll returns the complete active-item set for one workspace.
	FetchAll(ctx context.Context, sc SyncContext, cfg WorkspaceConfig) (FetchResult, error)
	Push(ctx context.Context, sc SyncContext, cfg WorkspaceConfig, externalID string, patch map[string]string) PushResult
	Identify(ctx context.Context, sc SyncContext, cfg WorkspaceConfig) (WorkspaceIdentity, error)
	// IdentityKey returns the signals linking a record to a related local entity.
	IdentityKey(record NormalizedRecord) IdentityKey
}

type adapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
	order    []string
}

func newAdapterRegistry(adapters []SourceAdapter) *adapterRegistry {
	reg := &adapterRegistry{adapters: map[string]SourceAdapter{}}
	for _, adapter := range adapters {
		reg.register(adapter)
	}
	return reg
}

func (r *adapterRegistry) register(adapter SourceAdapter) {
	if adapter == nil {
		return
	}
	source := normalizeSource(adapter.Source())
	if source == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[source]; !ok {
		r.order = append(r.order, source)
	}
	r.adapters[source] = adapter
}

// registered returns sources in registration order.
func (r *adapterRegistry) registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *adapterRegistry) lookup(source string) (SourceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeSource(source)]
	return adapter, ok
}

func (r *adapterRegistry) sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for source := range r.adapters {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
