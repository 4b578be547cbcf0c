// Package queue collects the tasks of one unit of work and hands them to a
// dispatcher as a single deduplicated batch.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/searchsync/internal/entity"
)

// Batch is the unit handed to a dispatcher. A nil slot in Tasks marks a task
// collapsed by deduplication; positions never shift.
type Batch struct {
	ID        uuid.UUID
	Tasks     []*entity.Task
	CreatedAt time.Time
}

// Len returns the number of live (non-collapsed) tasks.
func (b Batch) Len() int {
	n := 0
	for _, t := range b.Tasks {
		if t != nil {
			n++
		}
	}
	return n
}

// Empty reports whether the batch carries no live task.
func (b Batch) Empty() bool {
	return b.Len() == 0
}

// Dispatcher accepts batches for asynchronous processing. Dispatch must not
// block on worker progress.
type Dispatcher interface {
	Dispatch(b Batch) error
}

// DedupQueue buffers the tasks produced by one unit of work.
//
// Flush collapses duplicates per identity (the last submitted task wins),
// swaps live entities for placeholders and dispatches the result. Flush never
// waits for the batch to be processed.
type DedupQueue struct {
	mu         sync.Mutex
	tasks      []*entity.Task
	resolver   entity.IdentityResolver
	dispatcher Dispatcher
}

// New creates an empty queue.
func New(resolver entity.IdentityResolver, dispatcher Dispatcher) *DedupQueue {
	return &DedupQueue{resolver: resolver, dispatcher: dispatcher}
}

// Submit appends tasks to the current batch in submission order.
func (q *DedupQueue) Submit(tasks ...*entity.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if t != nil {
			q.tasks = append(q.tasks, t)
		}
	}
}

// Len returns the number of submitted, not yet flushed tasks.
func (q *DedupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Reset discards buffered tasks without dispatching them.
func (q *DedupQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
}

// Flush deduplicates, replaces and dispatches the buffered tasks, then
// starts a new batch.
//
// Tasks whose identity cannot be resolved are not deduplicated; they pass
// through unchanged and their errors are returned joined. The batch is
// dispatched regardless. An empty queue returns an empty batch and
// dispatches nothing.
func (q *DedupQueue) Flush(ctx context.Context) (Batch, error) {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	if len(tasks) == 0 {
		return Batch{}, nil
	}

	var errs []error
	unkeyed := make(map[int]bool)
	last := make(map[entity.Identity]int, len(tasks))
	collapsed := 0

	for i, t := range tasks {
		key, err := t.ToObjectKey(q.resolver)
		if err != nil {
			errs = append(errs, err)
			unkeyed[i] = true
			continue
		}
		id := key.Identity()
		if prev, ok := last[id]; ok {
			tasks[prev] = nil
			collapsed++
		}
		last[id] = i
	}

	for i, t := range tasks {
		if t == nil || unkeyed[i] {
			continue
		}
		replaced, err := t.Replace(q.resolver)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks[i] = &replaced
	}

	batch := Batch{ID: uuid.New(), Tasks: tasks, CreatedAt: time.Now()}

	slog.DebugContext(ctx, "batch_flushed",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("submitted", len(tasks)),
		slog.Int("collapsed", collapsed),
		slog.Int("identity_failures", len(unkeyed)))

	if err := q.dispatcher.Dispatch(batch); err != nil {
		errs = append(errs, err)
	}
	return batch, errors.Join(errs...)
}
