package rebuild

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/entity"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/reconcile"
)

// DeleteVersion is the version sent with the conditional delete of an index
// document that no longer exists in the primary store. The index only
// accepts a versioned delete whose version is above the stored one, so the
// stale version is bumped by one.
func DeleteVersion(stale int64) int64 {
	return stale + 1
}

// stager turns reconcile events into bulk operations and submits them in
// bulks of a fixed size through the rebuild's gate.
type stager struct {
	typ      string
	bulkSize int
	backend  backend.Backend
	gate     *gate.Gate

	req     *backend.BulkRequest
	indexed int
	updated int
	deleted int
}

func newStager(typ string, bulkSize int, be backend.Backend, g *gate.Gate) *stager {
	return &stager{
		typ:      typ,
		bulkSize: bulkSize,
		backend:  be,
		gate:     g,
		req:      backend.NewBulkRequest(),
	}
}

func (s *stager) OnMissingInSecondary(ctx context.Context, p reconcile.IDAndVersion) error {
	s.req.Index(s.typ, p.ID, p.Version, entity.DocumentOf(p.Payload))
	s.indexed++
	return s.maybeFlush(ctx)
}

func (s *stager) OnVersionMismatch(ctx context.Context, p, _ reconcile.IDAndVersion) error {
	s.req.Index(s.typ, p.ID, p.Version, entity.DocumentOf(p.Payload))
	s.updated++
	return s.maybeFlush(ctx)
}

func (s *stager) OnMissingInPrimary(ctx context.Context, sec reconcile.IDAndVersion) error {
	s.req.Delete(s.typ, sec.ID, DeleteVersion(sec.Version))
	s.deleted++
	return s.maybeFlush(ctx)
}

func (s *stager) maybeFlush(ctx context.Context) error {
	if s.req.Len() < s.bulkSize {
		return nil
	}
	return s.flush(ctx)
}

// flush submits the staged operations asynchronously. It blocks only while
// the gate is full.
func (s *stager) flush(ctx context.Context) error {
	if s.req.Len() == 0 {
		return nil
	}
	if err := s.gate.BeginOperation(ctx); err != nil {
		return err
	}

	req := s.req
	s.req = backend.NewBulkRequest()

	go func() {
		res, err := s.backend.Bulk(context.WithoutCancel(ctx), req)
		if err != nil {
			slog.Error("rebuild_bulk_failed",
				slog.String("type", s.typ),
				slog.Int("operations", req.Len()),
				slog.String("error", err.Error()))
			res = backend.FailAll(req, err)
		}
		if res.Failed > 0 {
			slog.Warn("rebuild_bulk_partial_failure",
				slog.String("type", s.typ),
				slog.Int("succeeded", res.Succeeded),
				slog.Int("failed", res.Failed))
		}
		s.gate.CompleteOperation(res.Succeeded, res.Failed)
	}()
	return nil
}
