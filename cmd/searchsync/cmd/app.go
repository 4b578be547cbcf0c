package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Aman-CERP/searchsync/internal/backend"
	"github.com/Aman-CERP/searchsync/internal/config"
	"github.com/Aman-CERP/searchsync/internal/dispatch"
	"github.com/Aman-CERP/searchsync/internal/entity"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/metrics"
	"github.com/Aman-CERP/searchsync/internal/rebuild"
	"github.com/Aman-CERP/searchsync/internal/store"
)

// app is the fully wired engine: one store, one index, one gate shared by
// the incremental dispatcher and rebuilds.
type app struct {
	cfg        *config.Config
	store      *store.Store
	index      *backend.BleveBackend
	gate       *gate.Gate
	registry   *entity.Registry
	metrics    *metrics.Collector
	dispatcher *dispatch.Dispatcher
	rebuilds   *rebuild.Orchestrator
}

func openApp(cfg *config.Config) (*app, error) {
	registry := entity.NewRegistry()
	if err := registry.DeclareAll(cfg.Types); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	index, err := backend.NewBleveBackend(cfg.IndexPath())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	g := gate.New(cfg.Bulk.MaxRunning)
	collector := metrics.New()
	collector.WatchGate(g)

	a := &app{
		cfg:      cfg,
		store:    st,
		index:    index,
		gate:     g,
		registry: registry,
		metrics:  collector,
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatcher.Workers,
		QueueSize:       cfg.Dispatcher.QueueSize,
		ShutdownTimeout: cfg.Dispatcher.ShutdownTimeout,
	}, index, store.NewResolver(st), g,
		dispatch.WithHooks(collector),
		dispatch.WithFilter(registry.Allowed))

	a.rebuilds = rebuild.New(rebuild.Config{
		BatchSize:    cfg.Rebuild.BatchSize,
		BulkSize:     cfg.Rebuild.BulkSize,
		ReadyTimeout: cfg.Rebuild.ReadyTimeout,
		LockDir:      cfg.LockDir(),
	}, st, index, g,
		rebuild.WithFilter(registry.Allowed),
		rebuild.WithObserver(collector))
	return a, nil
}

// types returns the requested types, else the configured ones, else every
// type present in the store.
func (a *app) types(ctx context.Context, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(a.cfg.Rebuild.Types) > 0 {
		return a.cfg.Rebuild.Types, nil
	}
	types, err := a.store.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored types: %w", err)
	}
	return slices.Sorted(slices.Values(types)), nil
}

// typesFunc adapts types for the scheduler, re-reading the store each run.
func (a *app) typesFunc() rebuild.TypesFunc {
	return func(ctx context.Context) ([]string, error) {
		return a.types(ctx, nil)
	}
}

// Close drains the dispatcher, then closes the index and the store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.dispatcher.Close(ctx),
		a.index.Close(),
		a.store.Close(),
	)
}
