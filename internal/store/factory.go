package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

// Factory opens a store for a DSN whose scheme it was registered under.
type Factory func(ctx context.Context, dsn string) (mirror.Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register adds or replaces the factory for a DSN scheme. Registered
// factories take precedence over the built-in backends.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// Open builds the store named by dsn: memory://, sqlite://path,
// sqlite::memory:, or postgres://.... An empty DSN is the in-memory store.
func Open(ctx context.Context, dsn string) (mirror.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return mirror.NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return mirror.NewMemoryStore(), nil
	case "sqlite", "sqlite3", "file", "":
		path, err := mirror.DSNPath(parsed, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlite dsn %q: %w", dsn, err)
		}
		return OpenSQLite(ctx, path)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, PostgresOptions{})
	case "mysql":
		return nil, fmt.Errorf("%w: store backend %s", mirror.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
