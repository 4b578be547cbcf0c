package rebuild

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/entity"
	"github.com/Aman-CERP/searchsync/internal/reconcile"
)

// primaryStream reads a type from the primary store page by page.
// Entities rejected by allow are skipped, so stale index copies of them
// surface as missing in the primary and get deleted.
type primaryStream struct {
	module   entity.Module
	typ      string
	pageSize int
	allow    func(entity.Entity) bool

	// holdSession leaves the session open on Close; the owner calls
	// closeSession once the bulks staged from it have drained.
	holdSession bool

	session entity.RebuildSession
	page    []entity.Entity
	pos     int
	done    bool
}

func (p *primaryStream) Sorted() bool { return true }

func (p *primaryStream) Open(ctx context.Context) error {
	s, err := p.module.StartRebuildSession(ctx, p.typ)
	if err != nil {
		return fmt.Errorf("start rebuild session: %w", err)
	}
	p.session = s
	return nil
}

func (p *primaryStream) Next(ctx context.Context) (reconcile.IDAndVersion, bool, error) {
	for {
		if p.pos < len(p.page) {
			e := p.page[p.pos]
			p.pos++
			if p.allow != nil && !p.allow(e) {
				continue
			}
			return reconcile.IDAndVersion{ID: e.EntityID(), Version: e.EntityVersion(), Payload: e}, true, nil
		}
		if p.done {
			return reconcile.IDAndVersion{}, false, nil
		}
		page, err := p.session.GetNext(ctx, p.pageSize)
		if err != nil {
			return reconcile.IDAndVersion{}, false, err
		}
		if len(page) == 0 {
			p.done = true
		}
		p.page, p.pos = page, 0
	}
}

func (p *primaryStream) Close() error {
	if p.holdSession {
		return nil
	}
	return p.closeSession()
}

func (p *primaryStream) closeSession() error {
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	return err
}

// secondaryStream reads a type's (id, version) pairs from the index.
type secondaryStream struct {
	backend  backend.Backend
	typ      string
	pageSize int

	cursor backend.Cursor
}

func (s *secondaryStream) Sorted() bool { return true }

func (s *secondaryStream) Open(ctx context.Context) error {
	c, err := s.backend.Scan(ctx, s.typ, s.pageSize)
	if err != nil {
		return fmt.Errorf("scan index: %w", err)
	}
	s.cursor = c
	return nil
}

func (s *secondaryStream) Next(ctx context.Context) (reconcile.IDAndVersion, bool, error) {
	hit, ok, err := s.cursor.Next(ctx)
	if err != nil || !ok {
		return reconcile.IDAndVersion{}, false, err
	}
	return reconcile.IDAndVersion{ID: hit.ID, Version: hit.Version}, true, nil
}

func (s *secondaryStream) Close() error {
	if s.cursor == nil {
		return nil
	}
	err := s.cursor.Close()
	s.cursor = nil
	return err
}
