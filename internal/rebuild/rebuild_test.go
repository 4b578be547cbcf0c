package rebuild

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/entity"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/reconcile"
	"github.com/Aman-CERP/searchsync/internal/store"
)

type fixture struct {
	store   *store.Store
	backend *backend.BleveBackend
	gate    *gate.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	be, err := backend.NewBleveBackend("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })

	return &fixture{store: s, backend: be, gate: gate.New(2)}
}

func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	cfg := Config{BatchSize: 2, BulkSize: 2, ReadyTimeout: time.Second, LockDir: t.TempDir()}
	return New(cfg, f.store, f.backend, f.gate, opts...)
}

func (f *fixture) indexed(t *testing.T, typ string) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	cur, err := f.backend.Scan(ctx, typ, 100)
	require.NoError(t, err)
	defer cur.Close()

	out := make(map[string]int64)
	for {
		hit, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out[hit.ID] = hit.Version
	}
}

func TestRebuild_RepairsMissingStaleAndOrphaned(t *testing.T) {
	// Given: the store has {A:v0, B:v1} and the index has {B:v0, C:v0}
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Import(ctx,
		&store.Record{Type: "article", ID: "A", Version: 0, Fields: map[string]any{"title": "a"}},
		&store.Record{Type: "article", ID: "B", Version: 1, Fields: map[string]any{"title": "b"}},
	))
	require.NoError(t, f.backend.Index(ctx, "article", "B", 0, nil))
	require.NoError(t, f.backend.Index(ctx, "article", "C", 0, nil))

	// When: rebuilding the type
	report, err := f.orchestrator(t).Rebuild(ctx, "article")

	// Then: A is indexed, B re-indexed, C deleted, nothing failed
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, int64(0), report.Failed)
	assert.Equal(t, int64(3), report.Succeeded)

	assert.Equal(t, map[string]int64{"A": 0, "B": 1}, f.indexed(t, "article"))
	b, err := f.backend.Get(ctx, "article", "B")
	require.NoError(t, err)
	assert.Equal(t, "b", b.Document["title"])

	// And: the shared gate is idle again
	assert.Equal(t, 0, f.gate.Running())
}

func TestRebuild_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, f.store.Import(ctx, &store.Record{Type: "article", ID: fmt.Sprintf("id-%02d", i), Version: int64(i)}))
	}
	o := f.orchestrator(t)

	first, err := o.Rebuild(ctx, "article")
	require.NoError(t, err)
	assert.Equal(t, 7, first.Indexed)

	second, err := o.Rebuild(ctx, "article")
	require.NoError(t, err)
	assert.Equal(t, 7, second.InSync)
	assert.Equal(t, 0, second.Indexed+second.Updated+second.Deleted)
	assert.Equal(t, int64(0), second.Succeeded, "per-rebuild counts must not carry over")
}

func TestDeleteVersion_BumpsStaleVersion(t *testing.T) {
	assert.Equal(t, int64(1), DeleteVersion(0))
	assert.Equal(t, int64(6), DeleteVersion(5))
}

func TestRebuild_DeleteUsesStaleVersionPlusOne(t *testing.T) {
	// Given: an orphan stored at version 5
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.backend.Index(ctx, "article", "orphan", 5, nil))

	st := newStager("article", 10, f.backend, gate.New(1))

	// When: the orphan is staged for deletion
	require.NoError(t, st.OnMissingInPrimary(ctx, reconcile.IDAndVersion{ID: "orphan", Version: 5}))

	// Then: the staged delete carries version 6 and the index accepts it
	require.Equal(t, 1, st.req.Len())
	op := st.req.Operations[0]
	assert.Equal(t, backend.OpDelete, op.Kind)
	assert.Equal(t, int64(6), op.Version)

	require.NoError(t, st.flush(ctx))
	require.NoError(t, st.gate.Await(ctx))
	assert.Equal(t, int64(0), st.gate.Snapshot().Failed)

	hit, err := f.backend.Get(ctx, "article", "orphan")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestRebuild_HeldLockRejectsSecondRebuild(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	o := New(Config{LockDir: dir, ReadyTimeout: time.Second}, f.store, f.backend, f.gate)

	held := NewTypeLock(dir, "article")
	acquired, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)
	defer held.Unlock()

	_, err = o.Rebuild(context.Background(), "article")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRebuildInProgress)

	// Other types are not blocked.
	_, err = o.Rebuild(context.Background(), "author")
	assert.NoError(t, err)
}

func TestRebuild_FilteredEntitiesAreRemovedFromIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Import(ctx,
		&store.Record{Type: "article", ID: "draft", Version: 1, Fields: map[string]any{"draft": true}},
		&store.Record{Type: "article", ID: "live", Version: 1},
	))
	require.NoError(t, f.backend.Index(ctx, "article", "draft", 1, nil))

	allow := func(e entity.Entity) bool { return e.EntityID() != "draft" }
	report, err := f.orchestrator(t, WithFilter(allow)).Rebuild(ctx, "article")

	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, map[string]int64{"live": 1}, f.indexed(t, "article"))
}

func TestRebuild_BackendNotReady(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.backend.Close())
	o := New(Config{ReadyTimeout: 50 * time.Millisecond}, f.store, f.backend, f.gate)

	_, err := o.Rebuild(context.Background(), "article")

	require.Error(t, err)
	assert.Equal(t, syncerr.ErrCodeBackendUnavailable, syncerr.GetCode(err))
}

// unsortedModule returns pages in the order given, ignoring id order.
type unsortedModule struct {
	byType map[string][]entity.Entity
}

func (m *unsortedModule) StartRebuildSession(_ context.Context, typ string) (entity.RebuildSession, error) {
	return &sliceSession{items: m.byType[typ]}, nil
}

type sliceSession struct {
	items []entity.Entity
}

func (s *sliceSession) GetNext(_ context.Context, n int) ([]entity.Entity, error) {
	if n > len(s.items) {
		n = len(s.items)
	}
	page := s.items[:n]
	s.items = s.items[n:]
	return page, nil
}

func (s *sliceSession) Close() error { return nil }

func TestRebuildAll_OrderViolationFailsOnlyThatType(t *testing.T) {
	// Given: one type whose primary stream goes backwards, and a healthy one
	f := newFixture(t)
	ctx := context.Background()
	module := &unsortedModule{byType: map[string][]entity.Entity{
		"broken": {
			&store.Record{Type: "broken", ID: "2", Version: 1},
			&store.Record{Type: "broken", ID: "1", Version: 1},
		},
		"healthy": {
			&store.Record{Type: "healthy", ID: "1", Version: 1},
		},
	}}
	o := New(Config{BatchSize: 10, BulkSize: 10, ReadyTimeout: time.Second}, module, f.backend, f.gate)

	// When: rebuilding both
	reports, err := o.RebuildAll(ctx, []string{"broken", "healthy"})

	// Then: the broken type fails fast, the healthy one still completes
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrOrderViolation)
	assert.True(t, syncerr.IsFatal(err))
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[1].Indexed)
	assert.Equal(t, map[string]int64{"1": 1}, f.indexed(t, "healthy"))
}

// drainCheckModule records how many bulks were still in flight when its
// session was closed.
type drainCheckModule struct {
	unsortedModule
	gate           *gate.Gate
	closes         int
	runningAtClose int
}

func (m *drainCheckModule) StartRebuildSession(ctx context.Context, typ string) (entity.RebuildSession, error) {
	s, err := m.unsortedModule.StartRebuildSession(ctx, typ)
	if err != nil {
		return nil, err
	}
	return &drainCheckSession{RebuildSession: s, m: m}, nil
}

type drainCheckSession struct {
	entity.RebuildSession
	m *drainCheckModule
}

func (s *drainCheckSession) Close() error {
	s.m.closes++
	s.m.runningAtClose = s.m.gate.Running()
	return s.RebuildSession.Close()
}

func TestRebuild_ClosesSessionAfterBulksDrain(t *testing.T) {
	// Given: a type large enough to stage several single-item bulks
	f := newFixture(t)
	var records []entity.Entity
	for i := 0; i < 6; i++ {
		records = append(records, &store.Record{Type: "article", ID: fmt.Sprintf("%02d", i), Version: 1})
	}
	module := &drainCheckModule{
		unsortedModule: unsortedModule{byType: map[string][]entity.Entity{"article": records}},
		gate:           f.gate,
	}
	o := New(Config{BatchSize: 2, BulkSize: 1, ReadyTimeout: time.Second}, module, f.backend, f.gate)

	// When: rebuilding
	report, err := o.Rebuild(context.Background(), "article")

	// Then: the session is closed once, with no bulk still running
	require.NoError(t, err)
	assert.Equal(t, 6, report.Indexed)
	assert.Equal(t, 1, module.closes)
	assert.Equal(t, 0, module.runningAtClose)
}

func TestCheck_WritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Import(ctx, &store.Record{Type: "article", ID: "A", Version: 1}))
	require.NoError(t, f.backend.Index(ctx, "article", "Z", 1, nil))

	summary, err := f.orchestrator(t).Check(ctx, "article")

	require.NoError(t, err)
	assert.Equal(t, reconcile.Summary{MissingInSecondary: 1, MissingInPrimary: 1}, summary)
	assert.Equal(t, map[string]int64{"Z": 1}, f.indexed(t, "article"))
}

type recordingObserver struct {
	reports []*Report
	errs    []error
}

func (r *recordingObserver) RebuildCompleted(rep *Report, err error) {
	r.reports = append(r.reports, rep)
	r.errs = append(r.errs, err)
}

func TestRebuild_NotifiesObserver(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}

	_, err := f.orchestrator(t, WithObserver(obs)).Rebuild(context.Background(), "article")

	require.NoError(t, err)
	require.Len(t, obs.reports, 1)
	assert.Equal(t, "article", obs.reports[0].Type)
	assert.NoError(t, obs.errs[0])
}

func TestReport_String(t *testing.T) {
	r := &Report{Type: "article", Indexed: 12345, Updated: 2, Deleted: 1, InSync: 1000000, Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, "article: 12,345 indexed, 2 updated, 1 deleted, 1,000,000 in sync, 0 failed (1.5s)", r.String())
}

func TestScheduler(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := NewScheduler("not a cron", o, StaticTypes("article"))
	assert.Error(t, err)

	s, err := NewScheduler("*/5 * * * *", o, StaticTypes("article"))
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)
}

func TestScheduler_RunOnceRebuildsTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Import(ctx, &store.Record{Type: "article", ID: "1", Version: 2}))

	s, err := NewScheduler("@hourly", f.orchestrator(t), f.store.Types)
	require.NoError(t, err)
	s.RunOnce(ctx)

	assert.Equal(t, map[string]int64{"1": 2}, f.indexed(t, "article"))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s, err := NewScheduler("@yearly", f.orchestrator(t), StaticTypes())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
