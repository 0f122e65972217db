package postgres

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/BladeCKG/graph-node-go/internal/config"
)

// execer is satisfied by both *sql.Conn and *sql.Tx, letting schema/entity
// helpers run against either a bare connection or an in-flight
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements internal/store.Store against a pooled Postgres
// connection, the way internal/app/storage/postgres.Store does in the
// teacher: a single handle, one method group per concern, split across
// entities.go (data plane), lifecycle.go (control plane) and schema.go
// (DDL).
type Store struct {
	pool    *Pool
	layouts *LayoutCache
	log     *logrus.Entry
}

// New wires a Store around an already-open Pool.
func New(pool *Pool, log *logrus.Entry) *Store {
	return &Store{pool: pool, layouts: NewLayoutCache(), log: log}
}

// Open is the convenience constructor used by cmd/graphnode: opens the
// pool, applies the meta migrations, and returns a ready Store.
func Open(ctx context.Context, cfg config.StoreConfig, log *logrus.Entry) (*Store, error) {
	pool, err := NewPool(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	if err := ApplyMetaMigrations(pool.db); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return New(pool, log), nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }
