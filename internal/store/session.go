package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/searchsync/internal/entity"
)

// DefaultSessionCacheSize bounds the records a resolver session remembers.
const DefaultSessionCacheSize = 1024

// RebuildSession pages through one type in ascending id order.
//
// Each page is a separate keyset query (id > last seen), so no cursor or
// connection is held between pages.
type RebuildSession struct {
	store  *Store
	typ    string
	lastID string
	paged  bool
	done   bool
	closed bool
}

// StartRebuildSession opens a paged read over every record of typ.
func (s *Store) StartRebuildSession(ctx context.Context, typ string) (entity.RebuildSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to start rebuild session for %s: %w", typ, err)
	}
	return &RebuildSession{store: s, typ: typ}, nil
}

// GetNext returns up to n records following the previous page. An empty
// result means the type is exhausted.
func (rs *RebuildSession) GetNext(ctx context.Context, n int) ([]entity.Entity, error) {
	if rs.closed {
		return nil, fmt.Errorf("rebuild session for %s is closed", rs.typ)
	}
	if rs.done {
		return nil, nil
	}
	if n <= 0 {
		n = 1
	}

	s := rs.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, version, body FROM entities WHERE type = ? ORDER BY id LIMIT ?`
	args := []any{rs.typ, n}
	if rs.paged {
		query = `SELECT id, version, body FROM entities WHERE type = ? AND id > ? ORDER BY id LIMIT ?`
		args = []any{rs.typ, rs.lastID, n}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s page: %w", rs.typ, err)
	}
	defer rows.Close()

	page := make([]entity.Entity, 0, n)
	for rows.Next() {
		var (
			id      string
			version int64
			body    string
		)
		if err := rows.Scan(&id, &version, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", rs.typ, err)
		}
		fields, err := decodeFields(body)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", rs.typ, id, err)
		}
		page = append(page, &Record{Type: rs.typ, ID: id, Version: version, Fields: fields})
		rs.lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s page: %w", rs.typ, err)
	}

	rs.paged = true
	if len(page) < n {
		rs.done = true
	}
	return page, nil
}

// Close ends the session.
func (rs *RebuildSession) Close() error {
	rs.closed = true
	return nil
}

// Resolver turns placeholder keys back into records. It implements
// entity.EntityResolver.
type Resolver struct {
	entity.KeyResolver
	store     *Store
	cacheSize int
}

// Verify interface implementation at compile time
var (
	_ entity.EntityResolver = (*Resolver)(nil)
	_ entity.Module         = (*Store)(nil)
)

// NewResolver creates a resolver over s.
func NewResolver(s *Store) *Resolver {
	return &Resolver{store: s, cacheSize: DefaultSessionCacheSize}
}

// OpenSession opens a read session with its own record cache.
func (r *Resolver) OpenSession(ctx context.Context) (entity.ResolverSession, error) {
	r.store.mu.RLock()
	closed := r.store.closed
	r.store.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	cache, err := lru.New[entity.Identity, *Record](r.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &ResolverSession{store: r.store, cache: cache}, nil
}

// ResolverSession reads records for one worker.
//
// Records are cached per identity. A cached record is reused only when the
// key carries a version and the cached record is at least that new; an
// unversioned key always reads through.
type ResolverSession struct {
	mu     sync.Mutex
	store  *Store
	cache  *lru.Cache[entity.Identity, *Record]
	closed bool
}

// ResolveEntity implements entity.ResolverSession.
func (rs *ResolverSession) ResolveEntity(ctx context.Context, key entity.ObjectKey) (entity.Entity, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, fmt.Errorf("resolver session is closed")
	}

	id := key.Identity()
	if cached, ok := rs.cache.Get(id); ok && key.HasVersion && cached.Version >= key.Version {
		return cached, nil
	}

	rec, err := rs.store.Get(ctx, key.Type, key.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rs.cache.Remove(id)
		return nil, nil
	}
	rs.cache.Add(id, rec)
	return rec, nil
}

// Close implements entity.ResolverSession.
func (rs *ResolverSession) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
	rs.cache.Purge()
	return nil
}
