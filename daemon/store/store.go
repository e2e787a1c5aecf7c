// Package store is the Postgres persistence layer. All writes go
// through a unit of work that carries the domain events produced in
// the transaction; the events reach the bus only after a successful
// commit and are discarded on rollback.
package store

import (
	"context"
	"database/sql"

	"github.com/containerd/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/events"
	"github.com/smartcoreinc/localpkd/errdefs"
)

// Store wraps the database handle and the event bus used for
// after-commit dispatch.
type Store struct {
	db  *sqlx.DB
	bus *events.Bus
}

// Open connects to Postgres, applies the schema and returns the Store.
func Open(ctx context.Context, dsn string, bus *events.Bus) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errdefs.Unavailable(errors.Wrap(err, "connecting to postgres"))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	return &Store{db: db, bus: bus}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only queries outside a unit of
// work.
func (s *Store) DB() *sqlx.DB { return s.db }

// Tx is one unit of work: a database transaction plus the events it
// produced.
type Tx struct {
	*sqlx.Tx
	bus     *events.Bus
	pending []events.Event
	done    bool
}

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errdefs.Unavailable(errors.Wrap(err, "beginning transaction"))
	}
	return &Tx{Tx: tx, bus: s.bus}, nil
}

// Enqueue records ev for publication after commit.
func (t *Tx) Enqueue(ev events.Event) {
	t.pending = append(t.pending, ev)
}

// Commit commits the transaction and, only on success, publishes the
// pending events.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	t.done = true
	for _, ev := range t.pending {
		t.bus.Publish(ctx, ev)
	}
	t.pending = nil
	return nil
}

// Rollback aborts the transaction and discards pending events. Safe to
// defer after a successful Commit.
func (t *Tx) Rollback(ctx context.Context) {
	if t.done {
		return
	}
	t.pending = nil
	if err := t.Tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.G(ctx).WithError(err).Warn("transaction rollback failed")
	}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
