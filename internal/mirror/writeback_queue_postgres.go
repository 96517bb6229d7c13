package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresWritebackTable     = "mirrorsync_writeback_queue"
	postgresQueueOpTimeout     = 5 * time.Second
	postgresQueuePollInterval  = 25 * time.Millisecond
	defaultWritebackQueueLabel = "default"
)

type sqlOpener func(driverName, dsn string) (*sql.DB, error)

// postgresWritebackQueue shares pending pushes between server replicas. The
// dequeue deletes the row in the claiming transaction, so a crash between
// dequeue and push loses the item; that matches at-most-once delivery.
type postgresWritebackQueue struct {
	dsn          string
	table        string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	open         sqlOpener

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresWritebackQueue(dsn string, capacity int) (WritebackQueue, error) {
	return newPostgresWritebackQueue(dsn, capacity, sql.Open)
}

func newPostgresWritebackQueue(dsn string, capacity int, open sqlOpener) (*postgresWritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &postgresWritebackQueue{
		dsn:          dsn,
		table:        postgresWritebackTable,
		queueKey:     defaultWritebackQueueLabel,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		open:         open,
	}, nil
}

func (q *postgresWritebackQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.open("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOpTimeout)
		defer cancel()
		table := quoteIdent(q.table)
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)", quoteIdent(q.table+"_key_id_idx"), table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = fmt.Errorf("prepare writeback queue: %w", err)
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *postgresWritebackQueue) TryEnqueue(item WritebackQueueItem) bool {
	if strings.TrimSpace(item.OpID) == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	return q.insert(string(payload)) == nil
}

func (q *postgresWritebackQueue) insert(payload string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOpTimeout)
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// serialize capacity checks across replicas
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.table, q.queueKey)); err != nil {
		return err
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdent(q.table))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload) VALUES ($1, $2)", quoteIdent(q.table))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *postgresWritebackQueue) Enqueue(ctx context.Context, item WritebackQueueItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresWritebackQueue) Dequeue(ctx context.Context) (WritebackQueueItem, bool) {
	for {
		payload, ok := q.claim(ctx)
		if ok {
			var item WritebackQueueItem
			if err := json.Unmarshal([]byte(payload), &item); err == nil && item.OpID != "" {
				return item, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return WritebackQueueItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresWritebackQueue) claim(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf(`
		SELECT id, payload FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, quoteIdent(q.table))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, q.queueKey).Scan(&id, &payload)
	if err != nil {
		// sql.ErrNoRows when the queue is empty
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdent(q.table))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	return payload, true
}

func (q *postgresWritebackQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOpTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdent(q.table))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *postgresWritebackQueue) SnapshotWritebacks() []WritebackQueueItem {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOpTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", quoteIdent(q.table))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()
	out := make([]WritebackQueueItem, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return out
		}
		var item WritebackQueueItem
		if err := json.Unmarshal([]byte(payload), &item); err == nil {
			out = append(out, item)
		}
	}
	return out
}

func (q *postgresWritebackQueue) Capacity() int {
	return q.capacity
}

func (q *postgresWritebackQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

func queueLockKey(table, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
