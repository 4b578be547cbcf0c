// Package backend defines the index backend contract used by the incremental
// and rebuild paths, and a Bleve-based implementation of it.
package backend

import (
	"context"
	"fmt"
)

// OpKind is the kind of a single bulk operation.
type OpKind int

const (
	// OpIndex writes (creates or replaces) a document.
	OpIndex OpKind = iota
	// OpDelete removes a document.
	OpDelete
)

// String returns a human-readable name for the operation kind.
func (k OpKind) String() string {
	switch k {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is one item of a bulk write.
type Operation struct {
	Kind OpKind
	Type string
	ID   string

	// Version is the document version for index ops. For delete ops a
	// non-zero Version makes the delete conditional: it only applies when the
	// stored version is lower than Version (external versioning).
	Version int64

	// Document holds the fields to index. Unused for deletes.
	Document map[string]any
}

// BulkRequest is one batched request carrying index and delete operations.
// Operations are applied in the order they were added.
type BulkRequest struct {
	Operations []Operation
}

// NewBulkRequest creates an empty bulk request.
func NewBulkRequest() *BulkRequest {
	return &BulkRequest{}
}

// Index appends an index operation.
func (b *BulkRequest) Index(typ, id string, version int64, doc map[string]any) {
	b.Operations = append(b.Operations, Operation{
		Kind:     OpIndex,
		Type:     typ,
		ID:       id,
		Version:  version,
		Document: doc,
	})
}

// Delete appends a delete operation. A zero version deletes unconditionally.
func (b *BulkRequest) Delete(typ, id string, version int64) {
	b.Operations = append(b.Operations, Operation{
		Kind:    OpDelete,
		Type:    typ,
		ID:      id,
		Version: version,
	})
}

// Len returns the number of operations.
func (b *BulkRequest) Len() int {
	return len(b.Operations)
}

// ItemResult is the outcome of one bulk operation.
type ItemResult struct {
	Op  Operation
	Err error
}

// BulkResult carries per-item outcomes of a bulk write.
type BulkResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
}

// record appends an item outcome and updates the counters.
func (r *BulkResult) record(op Operation, err error) {
	r.Items = append(r.Items, ItemResult{Op: op, Err: err})
	if err != nil {
		r.Failed++
	} else {
		r.Succeeded++
	}
}

// FailAll builds a result where every operation failed with err.
// Used when the whole request could not be executed.
func FailAll(req *BulkRequest, err error) BulkResult {
	var res BulkResult
	for _, op := range req.Operations {
		res.record(op, err)
	}
	return res
}

// Hit is one stored document as seen by the index.
type Hit struct {
	Type     string
	ID       string
	Version  int64
	Document map[string]any
}

// Cursor iterates stored documents of one type in ascending ID order.
// Hits returned by a cursor carry ID and Version only.
type Cursor interface {
	Next(ctx context.Context) (Hit, bool, error)
	Close() error
}

// Backend is the index the engine keeps consistent with the primary store.
type Backend interface {
	// Bulk applies all operations and reports per-item success or failure.
	// The returned error is reserved for failures of the request as a whole.
	Bulk(ctx context.Context, req *BulkRequest) (BulkResult, error)

	// Scan opens a cursor over (id, version) pairs of one type, ascending by id.
	Scan(ctx context.Context, typ string, pageSize int) (Cursor, error)

	// Get returns a stored document, or nil when it does not exist.
	Get(ctx context.Context, typ, id string) (*Hit, error)

	// Index writes a single document.
	Index(ctx context.Context, typ, id string, version int64, doc map[string]any) error

	// Delete removes a single document, conditionally when version > 0.
	Delete(ctx context.Context, typ, id string, version int64) error

	// Ready reports whether the backend accepts requests.
	Ready(ctx context.Context) error

	Close() error
}

// VersionConflictError reports a conditional delete rejected by the backend.
type VersionConflictError struct {
	ID       string
	Stored   int64
	Provided int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: stored version %d is not lower than %d", e.ID, e.Stored, e.Provided)
}
