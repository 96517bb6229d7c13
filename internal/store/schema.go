package store

import "fmt"

// schemaStatements is the DDL shared by every SQL backend. seqColumn is the
// dialect's auto-increment primary key used to order runs started in the
// same instant.
func schemaStatements(prefix, seqColumn string) []string {
	t := func(name string) string { return quoteIdentifier(prefix + name) }
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			remote_updated_at TEXT NOT NULL,
			completed_at TEXT,
			owner_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			linked_record_id TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL,
			local_fields TEXT NOT NULL,
			read_only_fields TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			local_only INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (source, external_id)
		)`, t("records")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (workspace_id)`, t("idx_records_workspace"), t("records")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (username) WHERE username <> ''`, t("idx_records_username"), t("records")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (phone) WHERE phone <> ''`, t("idx_records_phone"), t("records")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (email) WHERE email <> ''`, t("idx_records_email"), t("records")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			%[2]s,
			id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			upserted INTEGER NOT NULL DEFAULT 0,
			unchanged INTEGER NOT NULL DEFAULT 0,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL
		)`, t("sync_runs"), seqColumn),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source, started_at)`, t("idx_sync_runs_source"), t("sync_runs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			dimension TEXT NOT NULL,
			bucket TEXT NOT NULL,
			total INTEGER NOT NULL,
			by_priority TEXT NOT NULL,
			by_status TEXT NOT NULL,
			tracked_hours TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			PRIMARY KEY (dimension, bucket)
		)`, t("snapshots")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			credential TEXT NOT NULL DEFAULT '',
			external_workspace_id TEXT NOT NULL,
			owner_filter TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, t("workspaces")),
	}
}
