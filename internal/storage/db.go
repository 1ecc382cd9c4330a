package storage

import (
	"context"
	"fmt"
	"time"

	// Registers the "pgx" driver name with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// DB wraps a sqlx connection pool over the pgx stdlib driver. All
// repository methods in this package hang off DB so callers get a single
// narrow dependency to inject (mirrors the teacher's ClusterStore-as-DI
// pattern, just against Postgres instead of BoltDB).
type DB struct {
	*sqlx.DB
}

// Open connects to Postgres using dsn (see config.Config.DSN) and
// configures the pool per the limits in config.Config.
func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*DB, error) {
	conn, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)
	return &DB{DB: conn}, nil
}

// Ping checks connectivity within the given context. Nothing in this
// module calls it; the /healthz handler answers without a database check.
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}
