// Package gate bounds the number of bulk operations in flight against the
// index backend. It is the one backpressure point shared by the incremental
// and rebuild paths.
package gate

import (
	"context"
	"sync"
)

// DefaultMaxRunning is used when a gate is created with a non-positive bound.
const DefaultMaxRunning = 4

// Snapshot is a point-in-time view of a gate's counters.
type Snapshot struct {
	Running    int
	MaxRunning int
	Succeeded  int64
	Failed     int64
	Completed  int64
}

// Gate is a counting semaphore with cumulative success/failure totals and a
// drain barrier.
//
// All state is guarded by one mutex. slotFree wakes producers blocked in
// BeginOperation; drained wakes waiters blocked in Await.
type Gate struct {
	mu       sync.Mutex
	slotFree *sync.Cond
	drained  *sync.Cond

	maxRunning int
	running    int
	succeeded  int64
	failed     int64
	completed  int64

	parent *Gate
}

// New creates a gate allowing at most maxRunning concurrent operations.
func New(maxRunning int) *Gate {
	if maxRunning <= 0 {
		maxRunning = DefaultMaxRunning
	}
	g := &Gate{maxRunning: maxRunning}
	g.slotFree = sync.NewCond(&g.mu)
	g.drained = sync.NewCond(&g.mu)
	return g
}

// Child returns a gate that also takes a slot from g for every operation.
// The child keeps its own running count, totals and drain barrier, so a
// caller can await and count just its own operations while the bound
// stays shared with every other user of g.
func (g *Gate) Child() *Gate {
	c := New(g.maxRunning)
	c.parent = g
	return c
}

// BeginOperation blocks while the gate is full, then takes a slot.
// If ctx is done before a slot frees up, no slot is taken and ctx's error is returned.
func (g *Gate) BeginOperation(ctx context.Context) error {
	if g.parent != nil {
		if err := g.parent.BeginOperation(ctx); err != nil {
			return err
		}
	}
	if err := g.acquire(ctx); err != nil {
		if g.parent != nil {
			g.parent.release(0, 0, false)
		}
		return err
	}
	return nil
}

func (g *Gate) acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.slotFree.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.running >= g.maxRunning {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.slotFree.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.running++
	return nil
}

// CompleteOperation releases a slot and adds the operation's item outcomes
// to the totals.
//
// The parent slot is released first, so once a child gate has drained its
// operations no longer count against the parent.
func (g *Gate) CompleteOperation(succeeded, failed int) {
	if g.parent != nil {
		g.parent.CompleteOperation(succeeded, failed)
	}
	g.release(succeeded, failed, true)
}

func (g *Gate) release(succeeded, failed int, count bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running > 0 {
		g.running--
	}
	if count {
		g.succeeded += int64(succeeded)
		g.failed += int64(failed)
		g.completed++
	}
	g.slotFree.Broadcast()
	if g.running == 0 {
		g.drained.Broadcast()
	}
}

// Await blocks until no operation is in flight or ctx is done.
func (g *Gate) Await(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.drained.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.running > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.drained.Wait()
	}
	return nil
}

// Running returns the number of operations in flight.
func (g *Gate) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// MaxRunning returns the gate's bound.
func (g *Gate) MaxRunning() int {
	return g.maxRunning
}

// Snapshot returns the current counters.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Running:    g.running,
		MaxRunning: g.maxRunning,
		Succeeded:  g.succeeded,
		Failed:     g.failed,
		Completed:  g.completed,
	}
}
