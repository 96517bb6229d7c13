package mirror

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildWritebackQueueFromDSN returns nil for an empty DSN so callers fall back
// to the in-memory queue.
func BuildWritebackQueueFromDSN(dsn string, capacity int) (WritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse writeback queue dsn: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "", "file":
		path, err := DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileWritebackQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryWritebackQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresWritebackQueue(dsn, capacity)
	case "redis", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: writeback queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported writeback queue scheme: %s", scheme)
	}
}

// DSNPath extracts a filesystem path from file-like DSNs ("file:///x",
// "sqlite://x.db", or a bare path).
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if parsed.Scheme == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	for _, candidate := range []string{parsed.Host + parsed.Path, parsed.Opaque} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate, nil
		}
	}
	return "", ErrInvalidInput
}
