// Package statestore opens and manages the SQL database backing the
// swarm coordinator. The default driver is sqlite3; any database/sql
// driver with compatible SQL works.
package statestore

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmesh/dws/pkg/errdefs"
)

// DB wraps the state store connection
type DB struct {
	*sql.DB
}

// Open opens (or creates) the sqlite state store at path. The
// connection enforces foreign keys and serializes writers, which is
// what sqlite wants.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db}, nil
}

// OpenMemory opens an in-memory state store, used by tests and dev mode
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db}, nil
}

// WithTx runs fn inside a transaction, rolling back on error
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}
