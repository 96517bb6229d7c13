package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:      "sqlite",
	driver:    "sqlite3",
	seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
}

// OpenSQLite opens (and migrates) a SQLite database at path. ":memory:" gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: writes are serialized and ":memory:" stays one database
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect, "")
}
