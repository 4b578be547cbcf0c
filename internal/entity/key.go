// Package entity defines the identity model shared by the incremental and
// rebuild paths: entities, object keys, pending index tasks, and the
// per-type registry of task sources.
package entity

import (
	"context"
	"fmt"
)

// Entity is a live object from the primary store.
type Entity interface {
	EntityType() string
	EntityID() string
	EntityVersion() int64
}

// Documenter is implemented by entities that can render themselves as an
// index document. Entities that do not implement it are indexed with the
// reserved fields only.
type Documenter interface {
	Document() map[string]any
}

// Identity is the comparable part of an ObjectKey, usable as a map key.
type Identity struct {
	Type string
	ID   string
}

// ObjectKey identifies an entity independently of any live instance.
// Two keys denote the same entity iff Type and ID match; Version is metadata.
type ObjectKey struct {
	Type       string
	ID         string
	Version    int64
	HasVersion bool
}

// NewKey creates an unversioned key.
func NewKey(typ, id string) ObjectKey {
	return ObjectKey{Type: typ, ID: id}
}

// KeyOf derives a versioned key from a live entity.
func KeyOf(e Entity) ObjectKey {
	return ObjectKey{
		Type:       e.EntityType(),
		ID:         e.EntityID(),
		Version:    e.EntityVersion(),
		HasVersion: true,
	}
}

// WithVersion returns a copy of k carrying version v.
func (k ObjectKey) WithVersion(v int64) ObjectKey {
	k.Version = v
	k.HasVersion = true
	return k
}

// Identity returns the comparable identity of the key.
func (k ObjectKey) Identity() Identity {
	return Identity{Type: k.Type, ID: k.ID}
}

// Same reports whether both keys denote the same entity.
func (k ObjectKey) Same(other ObjectKey) bool {
	return k.Type == other.Type && k.ID == other.ID
}

// String renders the key as type/id[@version].
func (k ObjectKey) String() string {
	if k.HasVersion {
		return fmt.Sprintf("%s/%s@%d", k.Type, k.ID, k.Version)
	}
	return k.Type + "/" + k.ID
}

// IdentityResolver maps a live entity to its key.
// It is called synchronously on the goroutine that captured the change.
type IdentityResolver interface {
	ToObjectKey(e Entity) (ObjectKey, error)
}

// EntityResolver turns keys back into live entities inside a read session.
type EntityResolver interface {
	IdentityResolver
	OpenSession(ctx context.Context) (ResolverSession, error)
}

// ResolverSession is a bounded read scope. Sessions are never shared
// between goroutines.
type ResolverSession interface {
	// ResolveEntity returns the live entity, or nil when it no longer exists.
	ResolveEntity(ctx context.Context, key ObjectKey) (Entity, error)
	Close() error
}

// KeyResolver is an IdentityResolver that trusts the entity's own accessors.
// It rejects entities without a type or id.
type KeyResolver struct{}

// ToObjectKey implements IdentityResolver.
func (KeyResolver) ToObjectKey(e Entity) (ObjectKey, error) {
	if e == nil {
		return ObjectKey{}, fmt.Errorf("nil entity has no identity")
	}
	if e.EntityType() == "" || e.EntityID() == "" {
		return ObjectKey{}, fmt.Errorf("entity %T has no identity (type=%q id=%q)", e, e.EntityType(), e.EntityID())
	}
	return KeyOf(e), nil
}

// Module is the primary store as seen by a rebuild.
type Module interface {
	StartRebuildSession(ctx context.Context, typ string) (RebuildSession, error)
}

// RebuildSession pages through every entity of one type in ascending id
// order. GetNext returns an empty page once the type is exhausted.
type RebuildSession interface {
	GetNext(ctx context.Context, n int) ([]Entity, error)
	Close() error
}
