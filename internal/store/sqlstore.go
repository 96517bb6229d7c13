package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

// Timestamps are stored as fixed-width UTC text so lexical order is time order
// on every backend.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type dialect struct {
	name      string
	driver    string
	numbered  bool // $1, $2 placeholders instead of ?
	seqColumn string
}

// SQLStore implements mirror.Store on database/sql. SQLite and Postgres share
// every statement; only placeholders and DDL differ.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	prefix string
}

var _ mirror.Store = (*SQLStore)(nil)

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, prefix string) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, prefix: prefix}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.prefix, s.d.seqColumn) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests and maintenance tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) table(name string) string {
	return quoteIdentifier(s.prefix + name)
}

// bind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) bind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const recordColumns = `id, source, workspace_id, external_id, kind, remote_updated_at, completed_at,
	owner_id, state, parent_id, linked_record_id, fields, local_fields, read_only_fields,
	username, phone, email, local_only, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) GetRecord(ctx context.Context, source, externalID string) (mirror.LocalRecord, error) {
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE source = ? AND external_id = ?`, recordColumns, s.table("records")))
	return scanRecord(s.db.QueryRowContext(ctx, query, normalizeSource(source), strings.TrimSpace(externalID)))
}

func (s *SQLStore) GetRecordByID(ctx context.Context, id string) (mirror.LocalRecord, error) {
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, s.table("records")))
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) LookupIdentity(ctx context.Context, kind mirror.SignalKind, value string) (mirror.LocalRecord, error) {
	var column string
	switch kind {
	case mirror.SignalLink:
		return s.GetRecordByID(ctx, value)
	case mirror.SignalExternal:
		source, externalID, ok := mirror.ParseExternalRef(value)
		if !ok {
			return mirror.LocalRecord{}, mirror.ErrNotFound
		}
		return s.GetRecord(ctx, source, externalID)
	case mirror.SignalUsername:
		column = "username"
	case mirror.SignalPhone:
		column = "phone"
	case mirror.SignalEmail:
		column = "email"
	default:
		return mirror.LocalRecord{}, mirror.ErrInvalidInput
	}
	if value == "" {
		return mirror.LocalRecord{}, mirror.ErrNotFound
	}
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? AND completed_at IS NULL ORDER BY source, external_id LIMIT 1`, recordColumns, s.table("records"), column))
	return scanRecord(s.db.QueryRowContext(ctx, query, value))
}

func (s *SQLStore) ListRecords(ctx context.Context, filter mirror.RecordFilter) ([]mirror.LocalRecord, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, normalizeSource(filter.Source))
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.IncludeCompleted {
		where = append(where, "completed_at IS NULL")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, s.table("records"))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source, external_id"

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]mirror.LocalRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// UpsertRecord writes the whole record in one statement keyed on
// (source, external_id).
func (s *SQLStore) UpsertRecord(ctx context.Context, record mirror.LocalRecord) error {
	if record.ID == "" || record.Source == "" || record.ExternalID == "" {
		return mirror.ErrInvalidInput
	}
	fields, err := json.Marshal(nonNilMap(record.Fields))
	if err != nil {
		return err
	}
	localFields, err := json.Marshal(nonNilMap(record.LocalFields))
	if err != nil {
		return err
	}
	readOnly, err := json.Marshal(nonNilSlice(record.ReadOnlyFields))
	if err != nil {
		return err
	}
	query := s.bind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, external_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			kind = excluded.kind,
			remote_updated_at = excluded.remote_updated_at,
			completed_at = excluded.completed_at,
			owner_id = excluded.owner_id,
			state = excluded.state,
			parent_id = excluded.parent_id,
			linked_record_id = excluded.linked_record_id,
			fields = excluded.fields,
			local_fields = excluded.local_fields,
			read_only_fields = excluded.read_only_fields,
			username = excluded.username,
			phone = excluded.phone,
			email = excluded.email,
			local_only = excluded.local_only,
			updated_at = excluded.updated_at`, s.table("records"), recordColumns))
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		normalizeSource(record.Source),
		record.WorkspaceID,
		strings.TrimSpace(record.ExternalID),
		string(record.Kind),
		formatTime(record.RemoteUpdatedAt),
		formatNullTime(record.CompletedAt),
		record.OwnerID,
		record.State,
		record.ParentID,
		record.LinkedRecordID,
		string(fields),
		string(localFields),
		string(readOnly),
		record.Username,
		record.Phone,
		record.Email,
		boolInt(record.LocalOnly),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	return err
}

func (s *SQLStore) DeleteRecord(ctx context.Context, source, externalID string) (bool, error) {
	query := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE source = ? AND external_id = ?`, s.table("records")))
	result, err := s.db.ExecContext(ctx, query, normalizeSource(source), strings.TrimSpace(externalID))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) DeleteWorkspaceRecords(ctx context.Context, workspaceID string) (int, error) {
	query := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = ?`, s.table("records")))
	result, err := s.db.ExecContext(ctx, query, workspaceID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func scanRecord(row rowScanner) (mirror.LocalRecord, error) {
	var (
		record                        mirror.LocalRecord
		kind, remoteUpdated           string
		completed                     sql.NullString
		fields, localFields, readOnly string
		localOnly                     int
		createdAt, updatedAt          string
	)
	err := row.Scan(
		&record.ID, &record.Source, &record.WorkspaceID, &record.ExternalID, &kind, &remoteUpdated, &completed,
		&record.OwnerID, &record.State, &record.ParentID, &record.LinkedRecordID, &fields, &localFields, &readOnly,
		&record.Username, &record.Phone, &record.Email, &localOnly, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.LocalRecord{}, mirror.ErrNotFound
	}
	if err != nil {
		return mirror.LocalRecord{}, err
	}
	record.Kind = mirror.RecordKind(kind)
	record.LocalOnly = localOnly != 0
	if record.RemoteUpdatedAt, err = parseTime(remoteUpdated); err != nil {
		return mirror.LocalRecord{}, err
	}
	if record.CompletedAt, err = parseNullTime(completed); err != nil {
		return mirror.LocalRecord{}, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return mirror.LocalRecord{}, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return mirror.LocalRecord{}, err
	}
	if err := json.Unmarshal([]byte(fields), &record.Fields); err != nil {
		return mirror.LocalRecord{}, fmt.Errorf("record %s fields: %w", record.ID, err)
	}
	if err := json.Unmarshal([]byte(localFields), &record.LocalFields); err != nil {
		return mirror.LocalRecord{}, fmt.Errorf("record %s local fields: %w", record.ID, err)
	}
	if err := json.Unmarshal([]byte(readOnly), &record.ReadOnlyFields); err != nil {
		return mirror.LocalRecord{}, fmt.Errorf("record %s read-only fields: %w", record.ID, err)
	}
	if len(record.ReadOnlyFields) == 0 {
		record.ReadOnlyFields = nil
	}
	return record, nil
}

const runColumns = `id, source, forced, status, started_at, finished_at, upserted, unchanged, tombstoned, errored, errors`

func (s *SQLStore) CreateSyncRun(ctx context.Context, run mirror.SyncRun) error {
	if run.ID == "" {
		return mirror.ErrInvalidInput
	}
	errs, err := json.Marshal(nonNilSlice(run.Errors))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	countQuery := s.bind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.table("sync_runs")))
	if err := tx.QueryRowContext(ctx, countQuery, run.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return mirror.ErrInvalidState
	}
	insert := s.bind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table("sync_runs"), runColumns))
	if _, err := tx.ExecContext(ctx, insert,
		run.ID, normalizeSource(run.Source), boolInt(run.Forced), string(run.Status),
		formatTime(run.StartedAt), formatNullTime(run.FinishedAt),
		run.Upserted, run.Unchanged, run.Tombstoned, run.Errored, string(errs),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeSyncRun only updates a row still in the running state, so a run is
// finalized at most once even across processes.
func (s *SQLStore) FinalizeSyncRun(ctx context.Context, run mirror.SyncRun) error {
	errs, err := json.Marshal(nonNilSlice(run.Errors))
	if err != nil {
		return err
	}
	update := s.bind(fmt.Sprintf(`
		UPDATE %s SET status = ?, finished_at = ?, upserted = ?, unchanged = ?, tombstoned = ?, errored = ?, errors = ?
		WHERE id = ? AND status = ?`, s.table("sync_runs")))
	result, err := s.db.ExecContext(ctx, update,
		string(run.Status), formatNullTime(run.FinishedAt),
		run.Upserted, run.Unchanged, run.Tombstoned, run.Errored, string(errs),
		run.ID, string(mirror.RunStatusRunning),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var status string
	lookup := s.bind(fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, s.table("sync_runs")))
	err = s.db.QueryRowContext(ctx, lookup, run.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.ErrNotFound
	}
	if err != nil {
		return err
	}
	return mirror.ErrInvalidState
}

func (s *SQLStore) ListSyncRuns(ctx context.Context, source string, limit int) ([]mirror.SyncRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, runColumns, s.table("sync_runs"))
	var args []any
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, normalizeSource(source))
	}
	query += " ORDER BY started_at DESC, seq DESC"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]mirror.SyncRun, 0)
	for rows.Next() {
		var (
			run             mirror.SyncRun
			forced          int
			status, started string
			finished        sql.NullString
			errs            string
		)
		if err := rows.Scan(&run.ID, &run.Source, &forced, &status, &started, &finished,
			&run.Upserted, &run.Unchanged, &run.Tombstoned, &run.Errored, &errs); err != nil {
			return nil, err
		}
		run.Forced = forced != 0
		run.Status = mirror.RunStatus(status)
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
			return nil, fmt.Errorf("run %s errors: %w", run.ID, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpsertSnapshot patches the (dimension, bucket) row in place and inserts it
// only when no row exists yet.
func (s *SQLStore) UpsertSnapshot(ctx context.Context, bucket mirror.SnapshotBucket) (bool, error) {
	if strings.TrimSpace(bucket.Dimension) == "" || bucket.Bucket.IsZero() {
		return false, mirror.ErrInvalidInput
	}
	byPriority, err := json.Marshal(nonNilIntMap(bucket.ByPriority))
	if err != nil {
		return false, err
	}
	byStatus, err := json.Marshal(nonNilIntMap(bucket.ByStatus))
	if err != nil {
		return false, err
	}
	bucketKey := formatTime(bucket.Bucket)
	update := s.bind(fmt.Sprintf(`
		UPDATE %s SET total = ?, by_priority = ?, by_status = ?, tracked_hours = ?, captured_at = ?
		WHERE dimension = ? AND bucket = ?`, s.table("snapshots")))
	result, err := s.db.ExecContext(ctx, update,
		bucket.Total, string(byPriority), string(byStatus), bucket.TrackedHours.String(), formatTime(bucket.CapturedAt),
		bucket.Dimension, bucketKey,
	)
	if err != nil {
		return false, err
	}
	if affected, err := result.RowsAffected(); err != nil {
		return false, err
	} else if affected > 0 {
		return false, nil
	}
	insert := s.bind(fmt.Sprintf(`
		INSERT INTO %s (dimension, bucket, total, by_priority, by_status, tracked_hours, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dimension, bucket) DO UPDATE SET
			total = excluded.total,
			by_priority = excluded.by_priority,
			by_status = excluded.by_status,
			tracked_hours = excluded.tracked_hours,
			captured_at = excluded.captured_at`, s.table("snapshots")))
	if _, err := s.db.ExecContext(ctx, insert,
		bucket.Dimension, bucketKey, bucket.Total, string(byPriority), string(byStatus),
		bucket.TrackedHours.String(), formatTime(bucket.CapturedAt),
	); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, filter mirror.SnapshotFilter) ([]mirror.SnapshotBucket, error) {
	var where []string
	var args []any
	if !filter.From.IsZero() {
		where = append(where, "bucket >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "bucket <= ?")
		args = append(args, formatTime(filter.To))
	}
	if filter.DimensionPrefix != "" {
		// prefix match without LIKE so dimension text is never a pattern
		where = append(where, "substr(dimension, 1, ?) = ?")
		args = append(args, len(filter.DimensionPrefix), filter.DimensionPrefix)
	}
	query := fmt.Sprintf(`SELECT dimension, bucket, total, by_priority, by_status, tracked_hours, captured_at FROM %s`, s.table("snapshots"))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY bucket, dimension"

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]mirror.SnapshotBucket, 0)
	for rows.Next() {
		var (
			row                         mirror.SnapshotBucket
			bucketAt, capturedAt, hours string
			byPriority, byStatus        string
		)
		if err := rows.Scan(&row.Dimension, &bucketAt, &row.Total, &byPriority, &byStatus, &hours, &capturedAt); err != nil {
			return nil, err
		}
		if row.Bucket, err = parseTime(bucketAt); err != nil {
			return nil, err
		}
		if row.CapturedAt, err = parseTime(capturedAt); err != nil {
			return nil, err
		}
		if row.TrackedHours, err = decimal.NewFromString(hours); err != nil {
			return nil, fmt.Errorf("snapshot %s tracked hours: %w", row.Dimension, err)
		}
		if err := json.Unmarshal([]byte(byPriority), &row.ByPriority); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(byStatus), &row.ByStatus); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const workspaceColumns = `id, source, label, credential, external_workspace_id, owner_filter, active, created_at, updated_at`

func (s *SQLStore) SaveWorkspace(ctx context.Context, cfg mirror.WorkspaceConfig) error {
	if cfg.ID == "" || cfg.Source == "" {
		return mirror.ErrInvalidInput
	}
	query := s.bind(fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source,
			label = excluded.label,
			credential = excluded.credential,
			external_workspace_id = excluded.external_workspace_id,
			owner_filter = excluded.owner_filter,
			active = excluded.active,
			updated_at = excluded.updated_at`, s.table("workspaces"), workspaceColumns))
	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, normalizeSource(cfg.Source), cfg.Label, cfg.Credential, cfg.ExternalWorkspaceID,
		cfg.OwnerFilter, boolInt(cfg.Active), formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (mirror.WorkspaceConfig, error) {
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, workspaceColumns, s.table("workspaces")))
	return scanWorkspace(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListWorkspaces(ctx context.Context, source string) ([]mirror.WorkspaceConfig, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, workspaceColumns, s.table("workspaces"))
	var args []any
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, normalizeSource(source))
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]mirror.WorkspaceConfig, 0)
	for rows.Next() {
		cfg, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	query := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("workspaces")))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return mirror.ErrNotFound
	}
	return nil
}

func scanWorkspace(row rowScanner) (mirror.WorkspaceConfig, error) {
	var (
		cfg                  mirror.WorkspaceConfig
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&cfg.ID, &cfg.Source, &cfg.Label, &cfg.Credential, &cfg.ExternalWorkspaceID,
		&cfg.OwnerFilter, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.WorkspaceConfig{}, mirror.ErrNotFound
	}
	if err != nil {
		return mirror.WorkspaceConfig{}, err
	}
	cfg.Active = active != 0
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return mirror.WorkspaceConfig{}, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return mirror.WorkspaceConfig{}, err
	}
	return cfg, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nonNilMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func nonNilIntMap(in map[string]int) map[string]int {
	if in == nil {
		return map[string]int{}
	}
	return in
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
