package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchsync/internal/backend"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

type doc struct {
	typ, id string
	version int64
	title   string
}

func (d doc) EntityType() string       { return d.typ }
func (d doc) EntityID() string         { return d.id }
func (d doc) EntityVersion() int64     { return d.version }
func (d doc) Document() map[string]any { return map[string]any{"title": d.title} }

type mapSession struct {
	entities map[Identity]Entity
	err      error
}

func (s *mapSession) ResolveEntity(_ context.Context, key ObjectKey) (Entity, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entities[key.Identity()], nil
}

func (s *mapSession) Close() error { return nil }

func TestObjectKey_IdentityIgnoresVersion(t *testing.T) {
	a := NewKey("article", "1").WithVersion(3)
	b := NewKey("article", "1").WithVersion(9)
	c := NewKey("author", "1")

	assert.True(t, a.Same(b))
	assert.Equal(t, a.Identity(), b.Identity())
	assert.False(t, a.Same(c))
	assert.Equal(t, "article/1@3", a.String())
	assert.Equal(t, "author/1", c.String())
}

func TestKeyResolver_RejectsMissingIdentity(t *testing.T) {
	_, err := KeyResolver{}.ToObjectKey(doc{typ: "article"})
	assert.Error(t, err)

	key, err := KeyResolver{}.ToObjectKey(doc{typ: "article", id: "7", version: 2})
	require.NoError(t, err)
	assert.Equal(t, ObjectKey{Type: "article", ID: "7", Version: 2, HasVersion: true}, key)
}

func TestTask_ReplaceReturnsNewValue(t *testing.T) {
	// Given: a pending index task
	original := Index(doc{typ: "article", id: "1", version: 1})

	// When: replacing the live entity with its key
	placeholder, err := original.Replace(KeyResolver{})

	// Then: the new task is a placeholder, the original is untouched
	require.NoError(t, err)
	assert.Equal(t, StatePlaceholder, placeholder.State())
	assert.Nil(t, placeholder.Entity())
	key, ok := placeholder.Key()
	assert.True(t, ok)
	assert.Equal(t, "1", key.ID)

	assert.Equal(t, StatePending, original.State())
	assert.NotNil(t, original.Entity())
}

func TestTask_ReplaceFailureKeepsTask(t *testing.T) {
	original := Update(doc{typ: "article"})

	got, err := original.Replace(KeyResolver{})

	require.Error(t, err)
	assert.Equal(t, syncerr.ErrCodeIdentityResolution, syncerr.GetCode(err))
	assert.Equal(t, StatePending, got.State())
}

func TestTask_Resolve(t *testing.T) {
	live := doc{typ: "article", id: "1", version: 4, title: "fresh"}
	session := &mapSession{entities: map[Identity]Entity{{Type: "article", ID: "1"}: live}}
	ctx := context.Background()

	t.Run("placeholder resolves to live entity", func(t *testing.T) {
		got, err := UpdateKey(NewKey("article", "1")).Resolve(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, got.State())
		assert.Equal(t, live, got.Entity())
	})

	t.Run("missing entity degrades to dropped", func(t *testing.T) {
		got, err := UpdateKey(NewKey("article", "gone")).Resolve(ctx, session)
		require.Error(t, err)
		assert.Equal(t, syncerr.ErrCodeEntityResolution, syncerr.GetCode(err))
		assert.Equal(t, StateDropped, got.State())
	})

	t.Run("session error degrades to dropped", func(t *testing.T) {
		broken := &mapSession{err: errors.New("db closed")}
		got, err := UpdateKey(NewKey("article", "1")).Resolve(ctx, broken)
		require.Error(t, err)
		assert.Equal(t, StateDropped, got.State())
	})

	t.Run("delete never touches the session", func(t *testing.T) {
		got, err := DeleteKey(NewKey("article", "gone")).Resolve(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, StatePlaceholder, got.State())
	})

	t.Run("pending task is already live", func(t *testing.T) {
		got, err := Index(live).Resolve(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, got.State())
	})
}

func TestTask_AddToBulk(t *testing.T) {
	live := doc{typ: "article", id: "1", version: 4, title: "t"}
	ctx := context.Background()
	session := &mapSession{entities: map[Identity]Entity{{Type: "article", ID: "1"}: live}}

	resolved, err := UpdateKey(NewKey("article", "1")).Resolve(ctx, session)
	require.NoError(t, err)
	dropped, _ := UpdateKey(NewKey("article", "x")).Resolve(ctx, session)

	req := backend.NewBulkRequest()
	assert.True(t, resolved.AddToBulk(req, nil))
	assert.True(t, DeleteKey(NewKey("article", "2")).AddToBulk(req, nil))
	assert.False(t, dropped.AddToBulk(req, nil))
	assert.False(t, UpdateKey(NewKey("article", "3")).AddToBulk(req, nil))
	assert.False(t, resolved.AddToBulk(req, func(Entity) bool { return false }))

	require.Equal(t, 2, req.Len())
	assert.Equal(t, backend.OpIndex, req.Operations[0].Kind)
	assert.Equal(t, int64(4), req.Operations[0].Version)
	assert.Equal(t, "t", req.Operations[0].Document["title"])
	assert.Equal(t, backend.OpDelete, req.Operations[1].Kind)
	assert.Equal(t, int64(0), req.Operations[1].Version)
}

func TestRegistry_HierarchyFallback(t *testing.T) {
	// Given: article -> document -> base, with a source on document only
	r := NewRegistry()
	require.NoError(t, r.DeclareAll(map[string]string{"article": "document", "document": "base"}))

	var seen []string
	r.Register("document", func(e Entity, change ChangeKind) []Task {
		seen = append(seen, e.EntityType())
		return []Task{Update(e)}
	})

	// When: looking up the subtype
	assert.Equal(t, []string{"article", "document", "base"}, r.Lineage("article"))
	_, found := r.SourceFor("article")
	tasks := r.TasksFor(doc{typ: "article", id: "1"}, ChangeInsert)

	// Then: the parent's source serves it
	assert.True(t, found)
	require.Len(t, tasks, 1)
	assert.Equal(t, OpUpdate, tasks[0].Op())
	assert.Equal(t, []string{"article"}, seen)

	// And: unrelated types use the default source
	_, found = r.SourceFor("author")
	assert.False(t, found)
	tasks = r.TasksFor(doc{typ: "author", id: "1"}, ChangeDelete)
	require.Len(t, tasks, 1)
	assert.Equal(t, OpDelete, tasks[0].Op())
}

func TestRegistry_RejectsCycles(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("a", "b"))
	require.NoError(t, r.Declare("b", "c"))
	assert.Error(t, r.Declare("c", "a"))
	assert.Error(t, r.Declare("a", "a"))
}

func TestRegistry_FilterWalksLineage(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("draft", "article"))
	r.RegisterFilter("article", func(e Entity) bool { return e.EntityVersion() > 0 })

	assert.False(t, r.Allowed(doc{typ: "draft", id: "1", version: 0}))
	assert.True(t, r.Allowed(doc{typ: "draft", id: "1", version: 1}))
	assert.True(t, r.Allowed(doc{typ: "author", id: "1"}))
}
