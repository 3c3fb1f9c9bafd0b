// Package postgres connects flatline to a PostgreSQL target database.
//
// Projected tables, progression marks and leases are written through a
// database/sql handle from Open so they share one transaction with the
// SQLite path. Catalog introspection runs over a pgxpool.Pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a database/sql handle for dsn through the pgx driver and
// verifies the first connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// OpenPool creates a pgx connection pool for dsn and verifies the first
// connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("open first pgx connection: %w", err)
	}
	return pool, nil
}

// IsDatabaseError reports whether err was returned by the server.
func IsDatabaseError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

// IsTransient reports whether err is a PostgreSQL error worth retrying:
// serialization failures, deadlocks, lock timeouts, admin shutdowns and
// connection exceptions.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "57P01":
		return true
	}
	return strings.HasPrefix(pgErr.Code, "08")
}
