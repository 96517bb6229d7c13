package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const postgresConnectTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// openDB is swapped in tests to exercise connection failures.
var openDB sqlOpenFunc = sql.Open

var postgresDialect = dialect{
	name:      "postgres",
	driver:    "postgres",
	numbered:  true,
	seqColumn: "seq BIGSERIAL PRIMARY KEY",
}

type PostgresOptions struct {
	// TablePrefix namespaces every table, e.g. per test run.
	TablePrefix  string
	MaxOpenConns int
}

func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	db, err := openDB(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect, opts.TablePrefix)
}
