// Package memdb provides a process-local unit of work for the in-memory
// stores used in development and tests. Stores register a snapshot hook; a
// failed WithinTx restores every registered store, so a multi-store mutation
// either lands completely or not at all.
//
// This is a test double, not a database. Units of work run one at a time,
// and rollback restores whole tables. A write made outside WithinTx while a
// unit of work is open (the dispatcher marking an event delivered, say) is
// lost if that unit of work fails. Uniqueness is enforced by the stores
// themselves under their own locks, not by the serialization here.
package memdb

import (
	"context"
	"sync"
)

// Table is implemented by in-memory stores. Snapshot captures the current
// state and returns a function that restores it.
type Table interface {
	Snapshot() (restore func())
}

// DB serializes units of work across all registered tables. Writes outside
// a unit of work are not serialized against it.
type DB struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	tables []Table
}

func New() *DB {
	return &DB{}
}

// Register adds a table to every subsequent unit of work.
func (d *DB) Register(t Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables = append(d.tables, t)
}

type txKey struct{}

// WithinTx runs fn with all registered tables snapshotted. If fn returns an
// error every table is rolled back. Nested calls join the outer unit of work.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, _ := ctx.Value(txKey{}).(*DB); owner == d {
		return fn(ctx)
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	restores := make([]func(), 0, len(d.tables))
	for _, t := range d.tables {
		restores = append(restores, t.Snapshot())
	}
	d.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, d)); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		return err
	}
	return nil
}
