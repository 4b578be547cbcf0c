// Package rebuild reconciles the index with the primary store, one entity
// type at a time, writing only what differs.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/entity"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/reconcile"
)

// ErrRebuildInProgress is matched (via errors.Is) when another rebuild of
// the same type holds the lock.
var ErrRebuildInProgress = syncerr.Sentinel(syncerr.ErrCodeRebuildLocked)

// Config configures rebuilds.
type Config struct {
	// BatchSize is the primary-store page size and the index scan page size.
	BatchSize int
	// BulkSize is the number of operations per bulk request.
	BulkSize int
	// ReadyTimeout bounds the wait for the index backend to accept requests.
	ReadyTimeout time.Duration
	// LockDir holds the per-type lock files. Empty disables locking.
	LockDir string
}

// DefaultConfig returns the rebuild configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		BulkSize:     200,
		ReadyTimeout: 30 * time.Second,
	}
}

// Observer is told about every finished rebuild.
type Observer interface {
	RebuildCompleted(r *Report, err error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter excludes entities from the index. Index copies of excluded
// entities are deleted by a rebuild.
func WithFilter(allow func(entity.Entity) bool) Option {
	return func(o *Orchestrator) {
		o.allow = allow
	}
}

// WithObserver installs an observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// Report summarizes one type's rebuild.
type Report struct {
	Type      string
	InSync    int
	Indexed   int
	Updated   int
	Deleted   int
	Succeeded int64
	Failed    int64
	Elapsed   time.Duration
}

// String renders the report for humans.
func (r *Report) String() string {
	return fmt.Sprintf("%s: %s indexed, %s updated, %s deleted, %s in sync, %s failed (%s)",
		r.Type,
		humanize.Comma(int64(r.Indexed)),
		humanize.Comma(int64(r.Updated)),
		humanize.Comma(int64(r.Deleted)),
		humanize.Comma(int64(r.InSync)),
		humanize.Comma(r.Failed),
		r.Elapsed.Round(time.Millisecond))
}

// Orchestrator runs rebuilds against one primary store and one index.
type Orchestrator struct {
	cfg        Config
	module     entity.Module
	backend    backend.Backend
	gate       *gate.Gate
	reconciler *reconcile.Reconciler
	allow      func(entity.Entity) bool
	observer   Observer
}

// New creates an orchestrator. Bulk submissions take their slots from g,
// which is normally shared with the incremental dispatcher.
func New(cfg Config, module entity.Module, be backend.Backend, g *gate.Gate, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = def.BulkSize
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}

	o := &Orchestrator{
		cfg:        cfg,
		module:     module,
		backend:    be,
		gate:       g,
		reconciler: reconcile.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rebuild reconciles one type. Item-level failures are counted in the
// report and never abort the rebuild; an ordering violation does.
func (o *Orchestrator) Rebuild(ctx context.Context, typ string) (*Report, error) {
	report, err := o.rebuild(ctx, typ)
	if o.observer != nil {
		o.observer.RebuildCompleted(report, err)
	}
	return report, err
}

func (o *Orchestrator) rebuild(ctx context.Context, typ string) (*Report, error) {
	start := time.Now()
	report := &Report{Type: typ}

	if o.cfg.LockDir != "" {
		lock := NewTypeLock(o.cfg.LockDir, typ)
		acquired, err := lock.TryLock()
		if err != nil {
			return report, err
		}
		if !acquired {
			return report, syncerr.New(syncerr.ErrCodeRebuildLocked, "rebuild already in progress", nil).
				WithDetail("type", typ).
				WithDetail("lock", lock.Path())
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				slog.Warn("rebuild_unlock_failed",
					slog.String("type", typ),
					slog.String("error", err.Error()))
			}
		}()
	}

	if err := o.waitReady(ctx); err != nil {
		return report, err
	}

	slog.Info("rebuild_started", slog.String("type", typ))

	g := o.gate.Child()
	st := newStager(typ, o.cfg.BulkSize, o.backend, g)

	primary := o.primary(typ)
	primary.holdSession = true

	summary, runErr := o.reconciler.Reconcile(ctx, primary, o.secondary(typ), st)
	if runErr == nil {
		runErr = st.flush(ctx)
	}

	// In-flight bulks finish even when the merge failed.
	if err := g.Await(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	if err := primary.closeSession(); err != nil {
		slog.Warn("rebuild_session_close_failed",
			slog.String("type", typ),
			slog.String("error", err.Error()))
	}

	snap := g.Snapshot()
	report.InSync = summary.InSync
	report.Indexed = st.indexed
	report.Updated = st.updated
	report.Deleted = st.deleted
	report.Succeeded = snap.Succeeded
	report.Failed = snap.Failed
	report.Elapsed = time.Since(start)

	if runErr != nil {
		slog.Error("rebuild_failed",
			slog.String("type", typ),
			slog.String("error", runErr.Error()),
			slog.Bool("fatal", syncerr.IsFatal(runErr)))
		return report, fmt.Errorf("rebuild %s: %w", typ, runErr)
	}

	slog.Info("rebuild_completed",
		slog.String("type", typ),
		slog.String("indexed", humanize.Comma(int64(report.Indexed))),
		slog.String("updated", humanize.Comma(int64(report.Updated))),
		slog.String("deleted", humanize.Comma(int64(report.Deleted))),
		slog.String("in_sync", humanize.Comma(int64(report.InSync))),
		slog.Int64("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

// RebuildAll rebuilds each type in turn. A failing type does not stop the
// others; all errors are returned joined.
func (o *Orchestrator) RebuildAll(ctx context.Context, types []string) ([]*Report, error) {
	reports := make([]*Report, 0, len(types))
	var errs []error
	for _, typ := range types {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r, err := o.Rebuild(ctx, typ)
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Check reconciles one type without writing anything and returns the
// differences a rebuild would repair.
func (o *Orchestrator) Check(ctx context.Context, typ string) (reconcile.Summary, error) {
	if err := o.waitReady(ctx); err != nil {
		return reconcile.Summary{}, err
	}
	return o.reconciler.Reconcile(ctx, o.primary(typ), o.secondary(typ), reconcile.ListenerFuncs{})
}

func (o *Orchestrator) primary(typ string) *primaryStream {
	return &primaryStream{module: o.module, typ: typ, pageSize: o.cfg.BatchSize, allow: o.allow}
}

func (o *Orchestrator) secondary(typ string) reconcile.Stream {
	return &secondaryStream{backend: o.backend, typ: typ, pageSize: o.cfg.BatchSize}
}

// waitReady polls the backend with backoff until it is ready or the
// configured timeout expires.
func (o *Orchestrator) waitReady(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	err := syncerr.Retry(rctx, syncerr.DefaultRetryConfig(), func() error {
		if err := o.backend.Ready(rctx); err != nil {
			return syncerr.New(syncerr.ErrCodeBackendUnavailable, "index backend not ready", err)
		}
		return nil
	})
	if err != nil {
		return syncerr.New(syncerr.ErrCodeBackendUnavailable, "index backend did not become ready", err).
			WithDetail("timeout", o.cfg.ReadyTimeout.String())
	}
	return nil
}
