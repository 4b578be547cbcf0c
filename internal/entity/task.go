package entity

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/searchsync/internal/backend"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

// Op is the kind of mutation a task applies to the index.
type Op int

const (
	// OpIndex writes a newly created entity.
	OpIndex Op = iota
	// OpUpdate rewrites an existing entity.
	OpUpdate
	// OpDelete removes an entity.
	OpDelete
)

// String returns a human-readable name for the op.
func (o Op) String() string {
	switch o {
	case OpIndex:
		return "index"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a task's payload.
type State int

const (
	// StatePending holds the live entity captured with the change.
	StatePending State = iota
	// StatePlaceholder holds only the key; safe to hand to another goroutine.
	StatePlaceholder
	// StateResolved holds an entity materialized by a worker.
	StateResolved
	// StateDropped is the canonical no-op.
	StateDropped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePlaceholder:
		return "placeholder"
	case StateResolved:
		return "resolved"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Task is one pending mutation against one entity.
//
// Task is an immutable value: Replace and Resolve return a new Task and leave
// the receiver untouched, so a task can move from the capturing goroutine to a
// worker without shared mutable state.
type Task struct {
	op     Op
	state  State
	entity Entity
	key    ObjectKey
	hasKey bool
}

// Index creates a pending index task for a live entity.
func Index(e Entity) Task {
	return Task{op: OpIndex, state: StatePending, entity: e}
}

// Update creates a pending update task for a live entity.
func Update(e Entity) Task {
	return Task{op: OpUpdate, state: StatePending, entity: e}
}

// Delete creates a pending delete task for a live entity.
func Delete(e Entity) Task {
	return Task{op: OpDelete, state: StatePending, entity: e}
}

// DeleteKey creates a delete task from identity alone.
func DeleteKey(key ObjectKey) Task {
	return Task{op: OpDelete, state: StatePlaceholder, key: key, hasKey: true}
}

// UpdateKey creates an update task from identity alone; a worker resolves it.
func UpdateKey(key ObjectKey) Task {
	return Task{op: OpUpdate, state: StatePlaceholder, key: key, hasKey: true}
}

// Op returns the task's mutation kind.
func (t Task) Op() Op { return t.op }

// State returns the task's lifecycle state.
func (t Task) State() State { return t.state }

// Entity returns the live entity, or nil for placeholder and dropped tasks.
func (t Task) Entity() Entity { return t.entity }

// Key returns the task's key if one has been derived.
func (t Task) Key() (ObjectKey, bool) { return t.key, t.hasKey }

// String renders the task for logs.
func (t Task) String() string {
	switch {
	case t.hasKey:
		return fmt.Sprintf("%s(%s)[%s]", t.op, t.key, t.state)
	case t.entity != nil:
		return fmt.Sprintf("%s(%s/%s)[%s]", t.op, t.entity.EntityType(), t.entity.EntityID(), t.state)
	default:
		return fmt.Sprintf("%s(?)[%s]", t.op, t.state)
	}
}

// ToObjectKey returns the task's identity, asking r when only a live entity is held.
func (t Task) ToObjectKey(r IdentityResolver) (ObjectKey, error) {
	if t.hasKey {
		return t.key, nil
	}
	if t.entity == nil {
		return ObjectKey{}, syncerr.New(syncerr.ErrCodeIdentityResolution, "task has neither entity nor key", nil)
	}
	key, err := r.ToObjectKey(t.entity)
	if err != nil {
		return ObjectKey{}, syncerr.New(syncerr.ErrCodeIdentityResolution, "cannot resolve entity identity", err).
			WithDetail("task", t.String())
	}
	return key, nil
}

// Replace swaps the live entity for its key. Tasks that are not pending are
// returned unchanged. On failure the original task is returned with the error.
func (t Task) Replace(r IdentityResolver) (Task, error) {
	if t.state != StatePending {
		return t, nil
	}
	key, err := t.ToObjectKey(r)
	if err != nil {
		return t, err
	}
	return Task{op: t.op, state: StatePlaceholder, key: key, hasKey: true}, nil
}

// Resolve materializes a placeholder through the session.
//
// Delete placeholders are returned as they are: identity suffices to delete.
// A pending task is already live and becomes resolved without a lookup.
// When the entity no longer exists, or the lookup fails, the returned task is
// dropped and the error explains why.
func (t Task) Resolve(ctx context.Context, s ResolverSession) (Task, error) {
	switch t.state {
	case StatePending:
		return Task{op: t.op, state: StateResolved, entity: t.entity, key: t.key, hasKey: t.hasKey}, nil
	case StatePlaceholder:
		if t.op == OpDelete {
			return t, nil
		}
		if s == nil {
			return t.drop(), syncerr.New(syncerr.ErrCodeEntityResolution, "no resolver session", nil).
				WithDetail("key", t.key.String())
		}
		e, err := s.ResolveEntity(ctx, t.key)
		if err != nil {
			return t.drop(), syncerr.New(syncerr.ErrCodeEntityResolution, "failed to resolve entity", err).
				WithDetail("key", t.key.String())
		}
		if e == nil {
			return t.drop(), syncerr.New(syncerr.ErrCodeEntityResolution, "entity no longer exists", nil).
				WithDetail("key", t.key.String())
		}
		return Task{op: t.op, state: StateResolved, entity: e, key: t.key, hasKey: true}, nil
	default:
		return t, nil
	}
}

// NeedsSession reports whether Resolve will read from a resolver session.
func (t Task) NeedsSession() bool {
	return t.state == StatePlaceholder && t.op != OpDelete
}

func (t Task) drop() Task {
	return Task{op: t.op, state: StateDropped, key: t.key, hasKey: t.hasKey}
}

// AddToBulk appends the task's write to req. allow filters entities by
// policy; a filtered or dropped task contributes nothing. Reports whether
// an operation was added.
func (t Task) AddToBulk(req *backend.BulkRequest, allow func(Entity) bool) bool {
	switch t.state {
	case StateDropped:
		return false
	case StatePlaceholder:
		if t.op != OpDelete {
			return false
		}
		req.Delete(t.key.Type, t.key.ID, 0)
		return true
	}

	if t.entity == nil {
		return false
	}
	if t.op == OpDelete {
		req.Delete(t.entity.EntityType(), t.entity.EntityID(), 0)
		return true
	}
	if allow != nil && !allow(t.entity) {
		return false
	}
	req.Index(t.entity.EntityType(), t.entity.EntityID(), t.entity.EntityVersion(), DocumentOf(t.entity))
	return true
}

// DocumentOf renders an entity's index document.
func DocumentOf(e Entity) map[string]any {
	if d, ok := e.(Documenter); ok {
		return d.Document()
	}
	return map[string]any{}
}
