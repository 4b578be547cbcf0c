package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/Aman-CERP/searchsync/internal/entity"
)

// IDAndVersion is one element of a reconciliation stream.
// Payload is set only for items coming from the primary store.
type IDAndVersion struct {
	ID      string
	Version int64
	Payload entity.Entity
}

// Compare orders items by ID, then Version.
func (a IDAndVersion) Compare(b IDAndVersion) int {
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.Version, b.Version)
}

func (a IDAndVersion) String() string {
	return fmt.Sprintf("(%s,v%d)", a.ID, a.Version)
}

// Stream yields items in ascending ID order.
//
// Close is called on every path, including after a failed or skipped Open.
type Stream interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (IDAndVersion, bool, error)
	Close() error
}

// Ordered is implemented by streams that declare whether they are already
// sorted. Streams that do not implement it, or report false, are sorted in
// memory before merging.
type Ordered interface {
	Sorted() bool
}

func isSorted(s Stream) bool {
	o, ok := s.(Ordered)
	return ok && o.Sorted()
}

// SortInMemory wraps a stream that does not guarantee ascending order.
// Open reads the whole inner stream into memory and sorts it.
func SortInMemory(inner Stream) Stream {
	return &sortedStream{inner: inner}
}

type sortedStream struct {
	inner Stream
	items []IDAndVersion
	pos   int
}

func (s *sortedStream) Sorted() bool { return true }

func (s *sortedStream) Open(ctx context.Context) error {
	if err := s.inner.Open(ctx); err != nil {
		return err
	}
	for {
		item, ok, err := s.inner.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s.items = append(s.items, item)
	}
	slices.SortStableFunc(s.items, IDAndVersion.Compare)
	return nil
}

func (s *sortedStream) Next(ctx context.Context) (IDAndVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return IDAndVersion{}, false, err
	}
	if s.pos >= len(s.items) {
		return IDAndVersion{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *sortedStream) Close() error {
	s.items = nil
	return s.inner.Close()
}

// SliceStream is a stream over a fixed slice.
type SliceStream struct {
	Items []IDAndVersion
	// Unsorted makes the stream decline the Ordered contract.
	Unsorted bool

	pos    int
	opened bool
	closed bool
}

// NewSliceStream creates a stream declaring itself sorted.
func NewSliceStream(items ...IDAndVersion) *SliceStream {
	return &SliceStream{Items: items}
}

// Sorted implements Ordered.
func (s *SliceStream) Sorted() bool { return !s.Unsorted }

// Open implements Stream.
func (s *SliceStream) Open(context.Context) error {
	s.opened = true
	return nil
}

// Next implements Stream.
func (s *SliceStream) Next(context.Context) (IDAndVersion, bool, error) {
	if s.pos >= len(s.Items) {
		return IDAndVersion{}, false, nil
	}
	item := s.Items[s.pos]
	s.pos++
	return item, true, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceStream) Closed() bool { return s.closed }
