package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchsync/internal/entity"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

type item struct {
	typ, id string
	version int64
}

func (i item) EntityType() string   { return i.typ }
func (i item) EntityID() string     { return i.id }
func (i item) EntityVersion() int64 { return i.version }

type recordingDispatcher struct {
	batches []Batch
	err     error
}

func (d *recordingDispatcher) Dispatch(b Batch) error {
	d.batches = append(d.batches, b)
	return d.err
}

func ptr(t entity.Task) *entity.Task { return &t }

func live(b Batch) []*entity.Task {
	var out []*entity.Task
	for _, t := range b.Tasks {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func TestFlush_LastTaskPerIdentityWins(t *testing.T) {
	// Given: index, update and delete for the same entity, in that order
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)
	e := item{typ: "article", id: "1", version: 1}
	q.Submit(ptr(entity.Index(e)), ptr(entity.Update(e)), ptr(entity.Delete(e)))

	// When: flushing
	batch, err := q.Flush(context.Background())

	// Then: only the delete survives, at its original position
	require.NoError(t, err)
	require.Len(t, batch.Tasks, 3)
	assert.Nil(t, batch.Tasks[0])
	assert.Nil(t, batch.Tasks[1])
	require.NotNil(t, batch.Tasks[2])
	assert.Equal(t, entity.OpDelete, batch.Tasks[2].Op())
	assert.Equal(t, 1, batch.Len())
	require.Len(t, d.batches, 1)
}

func TestFlush_DistinctIdentitiesNeverCollapse(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)

	const n = 200
	for i := 0; i < n; i++ {
		q.Submit(ptr(entity.Update(item{typ: "article", id: fmt.Sprint(i)})))
	}
	// Same id, different type: still a different identity
	q.Submit(ptr(entity.Update(item{typ: "author", id: "0"})))

	batch, err := q.Flush(context.Background())

	require.NoError(t, err)
	assert.Equal(t, n+1, batch.Len())
}

func TestFlush_ReplacesLiveEntitiesWithPlaceholders(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)
	q.Submit(ptr(entity.Index(item{typ: "article", id: "1", version: 3})))

	batch, err := q.Flush(context.Background())
	require.NoError(t, err)

	got := live(batch)
	require.Len(t, got, 1)
	assert.Equal(t, entity.StatePlaceholder, got[0].State())
	assert.Nil(t, got[0].Entity())
	key, ok := got[0].Key()
	require.True(t, ok)
	assert.Equal(t, int64(3), key.Version)
}

func TestFlush_IdentityFailurePassesThroughAndSurfaces(t *testing.T) {
	// Given: two tasks without an identity and one good task
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)
	bad := item{typ: "article"}
	q.Submit(
		ptr(entity.Update(bad)),
		ptr(entity.Update(bad)),
		ptr(entity.Update(item{typ: "article", id: "2"})),
	)

	// When: flushing
	batch, err := q.Flush(context.Background())

	// Then: the failures are reported but the batch is still dispatched intact
	require.Error(t, err)
	assert.Equal(t, syncerr.ErrCodeIdentityResolution, syncerr.GetCode(err))
	require.Len(t, d.batches, 1)
	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, entity.StatePending, batch.Tasks[0].State())
	assert.Equal(t, entity.StatePending, batch.Tasks[1].State())
	assert.Equal(t, entity.StatePlaceholder, batch.Tasks[2].State())
}

func TestFlush_EmptyQueueDoesNotDispatch(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)

	batch, err := q.Flush(context.Background())

	require.NoError(t, err)
	assert.True(t, batch.Empty())
	assert.Empty(t, d.batches)
}

func TestFlush_StartsNewBatch(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)
	q.Submit(ptr(entity.Update(item{typ: "a", id: "1"})))

	first, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())

	q.Submit(ptr(entity.Update(item{typ: "a", id: "1"})))
	second, err := q.Flush(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Len())
}

func TestFlush_ReturnsDispatchError(t *testing.T) {
	d := &recordingDispatcher{err: syncerr.New(syncerr.ErrCodePoolRejected, "full", nil)}
	q := New(entity.KeyResolver{}, d)
	q.Submit(ptr(entity.Update(item{typ: "a", id: "1"})))

	_, err := q.Flush(context.Background())

	assert.Equal(t, syncerr.ErrCodePoolRejected, syncerr.GetCode(err))
}

func TestReset_DiscardsWithoutDispatch(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(entity.KeyResolver{}, d)
	q.Submit(ptr(entity.Update(item{typ: "a", id: "1"})))
	assert.Equal(t, 1, q.Len())

	q.Reset()

	assert.Equal(t, 0, q.Len())
	_, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.batches)
}
