// Package dispatch processes task batches on a bounded worker pool.
//
// Each worker resolves placeholders through its own resolver session,
// builds one bulk request per batch and submits it through the shared
// concurrency gate. Dispatch never blocks: when the pool is saturated the
// batch is rejected and dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/entity"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/queue"
)

// ErrRejected is matched (via errors.Is) by the error Dispatch returns when a
// batch is dropped.
var ErrRejected = syncerr.Sentinel(syncerr.ErrCodePoolRejected)

// ErrShutdownTimeout is returned by Close when in-flight work had to be abandoned.
var ErrShutdownTimeout = errors.New("dispatcher shutdown timed out")

// maxLoggedItemFailures caps per-item failure logs for one bulk.
const maxLoggedItemFailures = 5

// Config configures the worker pool.
type Config struct {
	// Workers is the pool size. Zero means runtime.NumCPU().
	Workers int
	// QueueSize is the number of batches that may wait for a worker.
	QueueSize int
	// ShutdownTimeout bounds how long Close waits for in-flight work.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the pool configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueSize:       64,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Dispatched       int64
	Rejected         int64
	BatchesCompleted int64
	TasksResolved    int64
	TasksUnresolved  int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.hooks = h
		}
	}
}

// WithFilter installs an index filter; entities it rejects are not written.
func WithFilter(allow func(entity.Entity) bool) Option {
	return func(d *Dispatcher) {
		d.allow = allow
	}
}

// Dispatcher is a bounded pool of batch workers.
type Dispatcher struct {
	cfg      Config
	backend  backend.Backend
	resolver entity.EntityResolver
	gate     *gate.Gate
	hooks    Hooks
	allow    func(entity.Entity) bool

	mu      sync.RWMutex
	closed  bool
	batches chan queue.Batch

	ctx    context.Context
	cancel context.CancelFunc

	workers  sync.WaitGroup
	inflight sync.WaitGroup

	dispatched      atomic.Int64
	rejected        atomic.Int64
	completed       atomic.Int64
	tasksResolved   atomic.Int64
	tasksUnresolved atomic.Int64
}

// New starts a dispatcher writing to be through g.
func New(cfg Config, be backend.Backend, resolver entity.EntityResolver, g *gate.Gate, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		backend:  be,
		resolver: resolver,
		gate:     g,
		hooks:    NopHooks{},
		batches:  make(chan queue.Batch, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.workers.Add(1)
		go d.runWorker(i)
	}
	return d
}

// Dispatch enqueues b for a worker without blocking.
//
// When every worker is busy and the queue is full, or the dispatcher is
// closed, the batch is dropped and an error matching ErrRejected is
// returned. Rejected batches are never retried.
func (d *Dispatcher) Dispatch(b queue.Batch) error {
	info := BatchInfo{ID: b.ID, Tasks: b.Len(), Worker: -1}
	if info.Tasks == 0 {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return d.reject(info, "dispatcher closed")
	}
	select {
	case d.batches <- b:
		d.dispatched.Add(1)
		return nil
	default:
		return d.reject(info, "worker pool saturated")
	}
}

func (d *Dispatcher) reject(info BatchInfo, reason string) error {
	d.rejected.Add(1)
	slog.Warn("batch_rejected",
		slog.String("batch_id", info.ID.String()),
		slog.Int("tasks", info.Tasks),
		slog.String("reason", reason))
	d.hooks.BatchRejected(info)
	return syncerr.New(syncerr.ErrCodePoolRejected, reason, nil).
		WithDetail("batch_id", info.ID.String())
}

// Close stops intake, lets workers drain queued batches and waits for
// in-flight bulks. If that takes longer than the shutdown timeout or ctx is
// done first, outstanding work is cancelled and ErrShutdownTimeout is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.batches)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	slog.Warn("dispatcher_force_stop",
		slog.Duration("timeout", d.cfg.ShutdownTimeout),
		slog.Int("gate_running", d.gate.Running()))
	d.cancel()
	return ErrShutdownTimeout
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:       d.dispatched.Load(),
		Rejected:         d.rejected.Load(),
		BatchesCompleted: d.completed.Load(),
		TasksResolved:    d.tasksResolved.Load(),
		TasksUnresolved:  d.tasksUnresolved.Load(),
	}
}

// worker owns one lazily opened resolver session.
type worker struct {
	id      int
	d       *Dispatcher
	session entity.ResolverSession
}

func (d *Dispatcher) runWorker(id int) {
	defer d.workers.Done()

	w := &worker{id: id, d: d}
	defer w.closeSession()

	for b := range d.batches {
		if d.ctx.Err() != nil {
			slog.Warn("batch_abandoned",
				slog.String("batch_id", b.ID.String()),
				slog.Int("tasks", b.Len()))
			continue
		}
		w.process(b)
	}
}

func (w *worker) sessionFor(ctx context.Context) entity.ResolverSession {
	if w.session != nil {
		return w.session
	}
	s, err := w.d.resolver.OpenSession(ctx)
	if err != nil {
		slog.Error("resolver_session_open_failed",
			slog.Int("worker", w.id),
			slog.String("error", err.Error()))
		return nil
	}
	w.session = s
	return s
}

func (w *worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		slog.Warn("resolver_session_close_failed",
			slog.Int("worker", w.id),
			slog.String("error", err.Error()))
	}
	w.session = nil
}

func (w *worker) process(b queue.Batch) {
	d := w.d
	ctx := d.ctx
	start := time.Now()
	info := BatchInfo{ID: b.ID, Tasks: b.Len(), Worker: w.id}

	d.hooks.BeforeBatch(info)

	req := backend.NewBulkRequest()
	unresolved := 0
	for _, t := range b.Tasks {
		if t == nil {
			continue
		}
		var session entity.ResolverSession
		if t.NeedsSession() {
			session = w.sessionFor(ctx)
		}
		resolved, err := t.Resolve(ctx, session)
		if err != nil {
			unresolved++
			d.tasksUnresolved.Add(1)
			slog.Error("task_resolution_failed",
				slog.String("batch_id", b.ID.String()),
				slog.String("task", t.String()),
				slog.String("error", err.Error()))
			continue
		}
		d.tasksResolved.Add(1)
		resolved.AddToBulk(req, d.allow)
	}

	report := BatchReport{BatchInfo: info, Operations: req.Len(), Unresolved: unresolved, Failed: unresolved}

	if req.Len() == 0 {
		d.hooks.AfterBatch(info)
		d.finish(report, start)
		return
	}

	if err := d.gate.BeginOperation(ctx); err != nil {
		slog.Warn("batch_abandoned",
			slog.String("batch_id", b.ID.String()),
			slog.String("error", err.Error()))
		report.Failed += req.Len()
		d.hooks.AfterBatch(info)
		d.finish(report, start)
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		// Submitted bulks are never cancelled mid-flight.
		res, err := d.backend.Bulk(context.WithoutCancel(ctx), req)
		if err != nil {
			slog.Error("bulk_failed",
				slog.String("batch_id", b.ID.String()),
				slog.Int("operations", req.Len()),
				slog.String("error", err.Error()))
			res = backend.FailAll(req, err)
		}
		logItemFailures(b.ID.String(), res)
		d.gate.CompleteOperation(res.Succeeded, res.Failed)

		report.Succeeded = res.Succeeded
		report.Failed += res.Failed
		d.finish(report, start)
	}()

	d.hooks.AfterBatch(info)
}

func (d *Dispatcher) finish(report BatchReport, start time.Time) {
	report.Elapsed = time.Since(start)
	d.completed.Add(1)
	d.hooks.BatchCompleted(report)
	slog.Debug("batch_completed",
		slog.String("batch_id", report.ID.String()),
		slog.Int("operations", report.Operations),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed))
}

func logItemFailures(batchID string, res backend.BulkResult) {
	if res.Failed == 0 {
		return
	}
	logged := 0
	for _, item := range res.Items {
		if item.Err == nil {
			continue
		}
		if logged == maxLoggedItemFailures {
			break
		}
		logged++
		slog.Warn("bulk_item_failed",
			slog.String("batch_id", batchID),
			slog.String("op", item.Op.Kind.String()),
			slog.String("doc", fmt.Sprintf("%s/%s", item.Op.Type, item.Op.ID)),
			slog.String("error", item.Err.Error()))
	}
	slog.Warn("bulk_partial_failure",
		slog.String("batch_id", batchID),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed))
}
