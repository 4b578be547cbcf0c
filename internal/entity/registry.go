package entity

import (
	"fmt"
	"sync"
)

// ChangeKind is the lifecycle event a change source observed.
type ChangeKind int

const (
	// ChangeInsert is observed after an entity is created.
	ChangeInsert ChangeKind = iota
	// ChangeUpdate is observed after an entity is modified.
	ChangeUpdate
	// ChangeDelete is observed after an entity is removed.
	ChangeDelete
)

// String returns a human-readable name for the change kind.
func (c ChangeKind) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TaskSource maps one observed change to the tasks it implies.
type TaskSource func(e Entity, change ChangeKind) []Task

// Filter decides whether an entity belongs in the index.
type Filter func(e Entity) bool

// DefaultTaskSource emits exactly one task per change.
func DefaultTaskSource(e Entity, change ChangeKind) []Task {
	switch change {
	case ChangeInsert:
		return []Task{Index(e)}
	case ChangeUpdate:
		return []Task{Update(e)}
	case ChangeDelete:
		return []Task{Delete(e)}
	default:
		return nil
	}
}

// Registry maps entity types to task sources and filters.
//
// Lookups fall back along an explicitly declared type hierarchy: a handler
// registered for "document" serves "article" once Declare("article",
// "document") has been called. Nothing is inferred from Go types.
type Registry struct {
	mu      sync.RWMutex
	parents map[string]string
	sources map[string]TaskSource
	filters map[string]Filter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		parents: make(map[string]string),
		sources: make(map[string]TaskSource),
		filters: make(map[string]Filter),
	}
}

// Declare records parent as the supertype of typ. An empty parent removes
// the declaration. Declarations that would create a cycle are rejected.
func (r *Registry) Declare(typ, parent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if parent == "" {
		delete(r.parents, typ)
		return nil
	}
	for p := parent; p != ""; p = r.parents[p] {
		if p == typ {
			return fmt.Errorf("declaring %s as parent of %s creates a cycle", parent, typ)
		}
	}
	r.parents[typ] = parent
	return nil
}

// DeclareAll records a whole hierarchy (type -> parent).
func (r *Registry) DeclareAll(hierarchy map[string]string) error {
	for typ, parent := range hierarchy {
		if err := r.Declare(typ, parent); err != nil {
			return err
		}
	}
	return nil
}

// Register binds a task source to a type (and, by fallback, its subtypes).
func (r *Registry) Register(typ string, src TaskSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[typ] = src
}

// RegisterFilter binds an index filter to a type (and its subtypes).
func (r *Registry) RegisterFilter(typ string, f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[typ] = f
}

// Lineage returns typ followed by its declared ancestors, nearest first.
func (r *Registry) Lineage(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lineageLocked(typ)
}

func (r *Registry) lineageLocked(typ string) []string {
	lineage := []string{typ}
	for p := r.parents[typ]; p != ""; p = r.parents[p] {
		lineage = append(lineage, p)
	}
	return lineage
}

// SourceFor returns the nearest task source for typ. The boolean is false
// when nothing in the lineage is registered and the default source is used.
func (r *Registry) SourceFor(typ string) (TaskSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.lineageLocked(typ) {
		if src, ok := r.sources[t]; ok {
			return src, true
		}
	}
	return DefaultTaskSource, false
}

// TasksFor runs the task source for e's type.
func (r *Registry) TasksFor(e Entity, change ChangeKind) []Task {
	src, _ := r.SourceFor(e.EntityType())
	return src(e, change)
}

// Allowed applies the nearest filter in e's lineage. Entities without a
// filter are always allowed.
func (r *Registry) Allowed(e Entity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.lineageLocked(e.EntityType()) {
		if f, ok := r.filters[t]; ok {
			return f(e)
		}
	}
	return true
}
