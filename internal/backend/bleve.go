package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Reserved document fields maintained by the backend.
const (
	FieldType    = "doc_type"
	FieldID      = "doc_id"
	FieldVersion = "doc_version"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("index is closed")

// MaxVersion is the largest version the index stores exactly. Versions are
// kept as float64 numeric fields, so larger ones would round.
const MaxVersion = 1 << 53

// ErrVersionOutOfRange is the per-item error for a version beyond MaxVersion.
var ErrVersionOutOfRange = errors.New("version out of range")

// BleveBackend stores documents of all types in a single Bleve index.
// Document IDs are "<type>/<id>", so sorting by _id within one type
// yields ascending entity IDs.
type BleveBackend struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// Verify interface implementation
var _ Backend = (*BleveBackend)(nil)

// validateIndexIntegrity checks if a Bleve index directory looks usable before opening.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// NewBleveBackend opens or creates the index at path.
// If path is empty, creates an in-memory index.
// A corrupted index directory is cleared; the next rebuild repopulates it.
func NewBleveBackend(path string) (*BleveBackend, error) {
	indexMapping := createIndexMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, run a rebuild"))
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveBackend{index: idx, path: path}, nil
}

// createIndexMapping maps the reserved fields as stored keywords and numbers.
// Other document fields use Bleve's dynamic mapping.
func createIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = true

	versionField := bleve.NewNumericFieldMapping()
	versionField.Store = true

	indexMapping.DefaultMapping.AddFieldMappingsAt(FieldType, keywordField)
	indexMapping.DefaultMapping.AddFieldMappingsAt(FieldID, keywordField)
	indexMapping.DefaultMapping.AddFieldMappingsAt(FieldVersion, versionField)

	return indexMapping
}

// docID builds the Bleve document ID for an entity.
func docID(typ, id string) string {
	return typ + "/" + id
}

// entityID strips the type prefix from a Bleve document ID.
func entityID(typ, doc string) string {
	return strings.TrimPrefix(doc, typ+"/")
}

// Bulk applies the request as one Bleve batch.
// Conditional deletes are checked against stored versions first; a rejected
// item does not prevent the rest of the batch from being written.
func (b *BleveBackend) Bulk(ctx context.Context, req *BulkRequest) (BulkResult, error) {
	if req == nil || req.Len() == 0 {
		return BulkResult{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return BulkResult{}, ErrClosed
	}

	stored, err := b.storedVersions(ctx, req)
	if err != nil {
		return FailAll(req, err), nil
	}

	batch := b.index.NewBatch()
	accepted := make([]Operation, 0, req.Len())
	var result BulkResult

	for _, op := range req.Operations {
		if op.Type == "" || op.ID == "" {
			result.record(op, fmt.Errorf("operation requires type and id"))
			continue
		}
		id := docID(op.Type, op.ID)
		if op.Version > MaxVersion || op.Version < -MaxVersion {
			result.record(op, fmt.Errorf("%w: %s has version %d", ErrVersionOutOfRange, id, op.Version))
			continue
		}

		switch op.Kind {
		case OpIndex:
			if err := batch.Index(id, buildDocument(op)); err != nil {
				result.record(op, fmt.Errorf("failed to stage document %s: %w", id, err))
				continue
			}
		case OpDelete:
			if current, ok := stored[id]; ok && op.Version > 0 && current >= op.Version {
				result.record(op, &VersionConflictError{ID: id, Stored: current, Provided: op.Version})
				continue
			}
			batch.Delete(id)
		default:
			result.record(op, fmt.Errorf("unknown operation kind %d", op.Kind))
			continue
		}
		accepted = append(accepted, op)
	}

	if len(accepted) == 0 {
		return result, nil
	}

	if err := b.index.Batch(batch); err != nil {
		batchErr := fmt.Errorf("failed to execute batch: %w", err)
		for _, op := range accepted {
			result.record(op, batchErr)
		}
		return result, nil
	}

	for _, op := range accepted {
		result.record(op, nil)
	}
	return result, nil
}

// storedVersions looks up current versions for every conditional delete in req.
// Caller must hold the lock.
func (b *BleveBackend) storedVersions(ctx context.Context, req *BulkRequest) (map[string]int64, error) {
	var ids []string
	for _, op := range req.Operations {
		if op.Kind == OpDelete && op.Version > 0 && op.Type != "" && op.ID != "" {
			ids = append(ids, docID(op.Type, op.ID))
		}
	}
	versions := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return versions, nil
	}

	searchReq := bleve.NewSearchRequest(bleve.NewDocIDQuery(ids))
	searchReq.Size = len(ids)
	searchReq.Fields = []string{FieldVersion}

	res, err := b.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored versions: %w", err)
	}
	for _, hit := range res.Hits {
		versions[hit.ID] = numericField(hit.Fields[FieldVersion])
	}
	return versions, nil
}

// buildDocument merges the reserved fields into the operation's document.
func buildDocument(op Operation) map[string]any {
	doc := make(map[string]any, len(op.Document)+3)
	for k, v := range op.Document {
		doc[k] = v
	}
	doc[FieldType] = op.Type
	doc[FieldID] = op.ID
	doc[FieldVersion] = float64(op.Version)
	return doc
}

// numericField converts a stored numeric field to int64.
// Bleve returns stored numbers as float64.
func numericField(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Scan opens a paging cursor over one type's (id, version) pairs sorted by id.
func (b *BleveBackend) Scan(ctx context.Context, typ string, pageSize int) (Cursor, error) {
	if pageSize <= 0 {
		pageSize = 500
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	return &bleveCursor{backend: b, typ: typ, pageSize: pageSize}, nil
}

// typeQuery matches every document of one type.
func typeQuery(typ string) query.Query {
	q := bleve.NewTermQuery(typ)
	q.SetField(FieldType)
	return q
}

// bleveCursor pages through a type using search_after on _id.
type bleveCursor struct {
	backend  *BleveBackend
	typ      string
	pageSize int

	after  string
	page   []Hit
	pos    int
	done   bool
	closed bool
}

// Next returns the next hit, fetching a new page when the current one is exhausted.
func (c *bleveCursor) Next(ctx context.Context) (Hit, bool, error) {
	if c.closed {
		return Hit{}, false, ErrClosed
	}
	if c.pos >= len(c.page) {
		if c.done {
			return Hit{}, false, nil
		}
		if err := c.fetch(ctx); err != nil {
			return Hit{}, false, err
		}
		if len(c.page) == 0 {
			return Hit{}, false, nil
		}
	}

	hit := c.page[c.pos]
	c.pos++
	return hit, true, nil
}

func (c *bleveCursor) fetch(ctx context.Context) error {
	c.backend.mu.RLock()
	defer c.backend.mu.RUnlock()

	if c.backend.closed {
		return ErrClosed
	}

	req := bleve.NewSearchRequest(typeQuery(c.typ))
	req.Size = c.pageSize
	req.Fields = []string{FieldVersion}
	req.SortBy([]string{"_id"})
	if c.after != "" {
		req.SearchAfter = []string{c.after}
	}

	res, err := c.backend.index.SearchInContext(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", c.typ, err)
	}

	c.page = c.page[:0]
	c.pos = 0
	for _, hit := range res.Hits {
		c.page = append(c.page, Hit{
			Type:    c.typ,
			ID:      entityID(c.typ, hit.ID),
			Version: numericField(hit.Fields[FieldVersion]),
		})
	}
	if len(res.Hits) > 0 {
		c.after = res.Hits[len(res.Hits)-1].ID
	}
	if len(res.Hits) < c.pageSize {
		c.done = true
	}
	return nil
}

// Close releases the cursor. Safe to call more than once.
func (c *bleveCursor) Close() error {
	c.closed = true
	c.page = nil
	return nil
}

// Get returns a stored document with all its stored fields.
func (b *BleveBackend) Get(ctx context.Context, typ, id string) (*Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{docID(typ, id)}))
	req.Size = 1
	req.Fields = []string{"*"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", typ, id, err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	fields := res.Hits[0].Fields
	doc := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case FieldType, FieldID, FieldVersion:
		default:
			doc[k] = v
		}
	}
	return &Hit{
		Type:     typ,
		ID:       id,
		Version:  numericField(fields[FieldVersion]),
		Document: doc,
	}, nil
}

// Index writes a single document through the bulk path.
func (b *BleveBackend) Index(ctx context.Context, typ, id string, version int64, doc map[string]any) error {
	req := NewBulkRequest()
	req.Index(typ, id, version, doc)
	return b.single(ctx, req)
}

// Delete removes a single document through the bulk path.
func (b *BleveBackend) Delete(ctx context.Context, typ, id string, version int64) error {
	req := NewBulkRequest()
	req.Delete(typ, id, version)
	return b.single(ctx, req)
}

func (b *BleveBackend) single(ctx context.Context, req *BulkRequest) error {
	res, err := b.Bulk(ctx, req)
	if err != nil {
		return err
	}
	if len(res.Items) == 1 && res.Items[0].Err != nil {
		return res.Items[0].Err
	}
	return nil
}

// Ready reports whether the index is open and answering.
func (b *BleveBackend) Ready(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if _, err := b.index.DocCount(); err != nil {
		return fmt.Errorf("index not ready: %w", err)
	}
	return nil
}

// Count returns the number of stored documents of one type.
func (b *BleveBackend) Count(ctx context.Context, typ string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}

	req := bleve.NewSearchRequest(typeQuery(typ))
	req.Size = 0
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", typ, err)
	}
	return int(res.Total), nil
}

// Close closes the index.
func (b *BleveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}
