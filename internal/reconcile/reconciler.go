// Package reconcile diffs two ID-ordered streams in a single linear pass.
//
// The primary stream is the source of truth; the secondary stream is the
// index. Every difference is reported to a Listener; equal items produce
// no event.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

// ErrOrderViolation is matched (via errors.Is) by the error returned when a
// stream yields an item lower than its predecessor.
var ErrOrderViolation = syncerr.Sentinel(syncerr.ErrCodeStreamOrder)

// Listener receives the differences found by a merge.
type Listener interface {
	OnMissingInSecondary(ctx context.Context, primary IDAndVersion) error
	OnVersionMismatch(ctx context.Context, primary, secondary IDAndVersion) error
	OnMissingInPrimary(ctx context.Context, secondary IDAndVersion) error
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields ignore the event.
type ListenerFuncs struct {
	MissingInSecondary func(ctx context.Context, primary IDAndVersion) error
	VersionMismatch    func(ctx context.Context, primary, secondary IDAndVersion) error
	MissingInPrimary   func(ctx context.Context, secondary IDAndVersion) error
}

// OnMissingInSecondary implements Listener.
func (f ListenerFuncs) OnMissingInSecondary(ctx context.Context, p IDAndVersion) error {
	if f.MissingInSecondary == nil {
		return nil
	}
	return f.MissingInSecondary(ctx, p)
}

// OnVersionMismatch implements Listener.
func (f ListenerFuncs) OnVersionMismatch(ctx context.Context, p, s IDAndVersion) error {
	if f.VersionMismatch == nil {
		return nil
	}
	return f.VersionMismatch(ctx, p, s)
}

// OnMissingInPrimary implements Listener.
func (f ListenerFuncs) OnMissingInPrimary(ctx context.Context, s IDAndVersion) error {
	if f.MissingInPrimary == nil {
		return nil
	}
	return f.MissingInPrimary(ctx, s)
}

// Summary counts the outcome of one merge.
type Summary struct {
	InSync             int
	MissingInSecondary int
	Mismatched         int
	MissingInPrimary   int
}

// Differences returns the number of events emitted.
func (s Summary) Differences() int {
	return s.MissingInSecondary + s.Mismatched + s.MissingInPrimary
}

// Reconciler runs merge-diffs. It holds no state between runs and is safe
// for concurrent use.
type Reconciler struct{}

// New creates a Reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// Reconcile opens both streams concurrently, merges them and closes them.
//
// A listener error aborts the merge and is returned as is. A stream that goes
// backwards aborts with an error matching ErrOrderViolation. Close errors are
// logged and otherwise ignored.
func (r *Reconciler) Reconcile(ctx context.Context, primary, secondary Stream, l Listener) (Summary, error) {
	if !isSorted(primary) {
		primary = SortInMemory(primary)
	}
	if !isSorted(secondary) {
		secondary = SortInMemory(secondary)
	}
	// Streams may keep the Open context for their reads, so it must outlive
	// the merge. It is cancelled early only when an Open fails.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer closeStream("primary", primary)
	defer closeStream("secondary", secondary)

	var g errgroup.Group
	g.Go(func() error {
		if err := primary.Open(streamCtx); err != nil {
			cancel()
			return fmt.Errorf("open primary stream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := secondary.Open(streamCtx); err != nil {
			cancel()
			return fmt.Errorf("open secondary stream: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	return merge(ctx, &checked{name: "primary", s: primary}, &checked{name: "secondary", s: secondary}, l)
}

func merge(ctx context.Context, p, s *checked, l Listener) (Summary, error) {
	var sum Summary

	pItem, pOK, err := p.next(ctx)
	if err != nil {
		return sum, err
	}
	sItem, sOK, err := s.next(ctx)
	if err != nil {
		return sum, err
	}

	for pOK && sOK {
		switch c := cmp.Compare(pItem.ID, sItem.ID); {
		case c == 0:
			if pItem.Version == sItem.Version {
				sum.InSync++
			} else {
				if err := l.OnVersionMismatch(ctx, pItem, sItem); err != nil {
					return sum, err
				}
				sum.Mismatched++
			}
			if pItem, pOK, err = p.next(ctx); err != nil {
				return sum, err
			}
			if sItem, sOK, err = s.next(ctx); err != nil {
				return sum, err
			}
		case c < 0:
			if err := l.OnMissingInSecondary(ctx, pItem); err != nil {
				return sum, err
			}
			sum.MissingInSecondary++
			if pItem, pOK, err = p.next(ctx); err != nil {
				return sum, err
			}
		default:
			if err := l.OnMissingInPrimary(ctx, sItem); err != nil {
				return sum, err
			}
			sum.MissingInPrimary++
			if sItem, sOK, err = s.next(ctx); err != nil {
				return sum, err
			}
		}
	}

	for pOK {
		if err := l.OnMissingInSecondary(ctx, pItem); err != nil {
			return sum, err
		}
		sum.MissingInSecondary++
		if pItem, pOK, err = p.next(ctx); err != nil {
			return sum, err
		}
	}
	for sOK {
		if err := l.OnMissingInPrimary(ctx, sItem); err != nil {
			return sum, err
		}
		sum.MissingInPrimary++
		if sItem, sOK, err = s.next(ctx); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// checked enforces non-decreasing order on a stream.
type checked struct {
	name    string
	s       Stream
	last    IDAndVersion
	hasLast bool
}

func (c *checked) next(ctx context.Context) (IDAndVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return IDAndVersion{}, false, err
	}
	item, ok, err := c.s.Next(ctx)
	if err != nil {
		return IDAndVersion{}, false, fmt.Errorf("read %s stream: %w", c.name, err)
	}
	if !ok {
		return IDAndVersion{}, false, nil
	}
	if c.hasLast && item.Compare(c.last) < 0 {
		return IDAndVersion{}, false, syncerr.New(syncerr.ErrCodeStreamOrder,
			fmt.Sprintf("%s stream out of order", c.name), nil).
			WithDetail("previous", c.last.String()).
			WithDetail("current", item.String())
	}
	c.last, c.hasLast = item, true
	return item, true, nil
}

func closeStream(name string, s Stream) {
	if err := s.Close(); err != nil {
		slog.Warn("stream_close_failed",
			slog.String("stream", name),
			slog.String("error", err.Error()))
	}
}
