package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/searchsync/internal/entity"
	"github.com/Aman-CERP/searchsync/internal/queue"
)

type change struct {
	kind   entity.ChangeKind
	record *Record
}

// UnitOfWork buffers writes and applies them in one transaction.
//
// After a successful commit, every applied change is turned into tasks by the
// registry, deduplicated as one batch and handed to the dispatcher. Commit
// does not wait for the index to be updated.
type UnitOfWork struct {
	store      *Store
	registry   *entity.Registry
	dispatcher queue.Dispatcher

	pending []change
	done    bool
}

// Begin starts a unit of work whose changes are dispatched to d.
func (s *Store) Begin(reg *entity.Registry, d queue.Dispatcher) *UnitOfWork {
	return &UnitOfWork{store: s, registry: reg, dispatcher: d}
}

// Put inserts or updates a record. The stored version is assigned on commit:
// inserts keep the record's version, updates bump the stored version by one.
func (u *UnitOfWork) Put(r *Record) {
	u.pending = append(u.pending, change{kind: entity.ChangeUpdate, record: r})
}

// Delete removes a record if it exists.
func (u *UnitOfWork) Delete(typ, id string) {
	u.pending = append(u.pending, change{kind: entity.ChangeDelete, record: &Record{Type: typ, ID: id}})
}

// Len returns the number of buffered writes.
func (u *UnitOfWork) Len() int {
	return len(u.pending)
}

// Rollback discards buffered writes.
func (u *UnitOfWork) Rollback() {
	u.pending = nil
	u.done = true
}

// Commit applies the buffered writes and dispatches the resulting tasks.
//
// A failed transaction dispatches nothing. Once the transaction has
// committed, errors from task capture are returned but the data stays written.
func (u *UnitOfWork) Commit(ctx context.Context) (queue.Batch, error) {
	if u.done {
		return queue.Batch{}, errors.New("unit of work already finished")
	}
	u.done = true

	applied, err := u.apply(ctx)
	if err != nil {
		return queue.Batch{}, err
	}

	q := queue.New(entity.KeyResolver{}, u.dispatcher)
	for _, c := range applied {
		for _, t := range u.registry.TasksFor(c.record, c.kind) {
			q.Submit(&t)
		}
	}

	batch, err := q.Flush(ctx)
	if err != nil {
		slog.Warn("commit_dispatch_incomplete",
			slog.Int("changes", len(applied)),
			slog.String("error", err.Error()))
	}
	return batch, err
}

func (u *UnitOfWork) apply(ctx context.Context) ([]change, error) {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied := make([]change, 0, len(u.pending))
	for _, c := range u.pending {
		existing, err := getRecord(ctx, tx, c.record.Type, c.record.ID)
		if err != nil {
			return nil, err
		}

		switch c.kind {
		case entity.ChangeDelete:
			if existing == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entities WHERE type = ? AND id = ?`, c.record.Type, c.record.ID); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", existing, err)
			}
			applied = append(applied, change{kind: entity.ChangeDelete, record: existing})

		default:
			rec := &Record{Type: c.record.Type, ID: c.record.ID, Version: c.record.Version, Fields: c.record.Document()}
			kind := entity.ChangeInsert
			if existing != nil {
				rec.Version = existing.Version + 1
				kind = entity.ChangeUpdate
			}
			body, err := encodeFields(rec.Fields)
			if err != nil {
				return nil, fmt.Errorf("record %s: %w", rec, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO entities (type, id, version, body) VALUES (?, ?, ?, ?)`,
				rec.Type, rec.ID, rec.Version, body); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", rec, err)
			}
			applied = append(applied, change{kind: kind, record: rec})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return applied, nil
}
