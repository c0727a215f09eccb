package db

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type thread struct {
	ID           string           `bson:"_id"`
	Participants []string         `bson:"participants"`
	Rank         *int64           `bson:"rank,omitempty"`
	Unread       map[string]int64 `bson:"unread,omitempty"`
}

func rank(n int64) *int64 { return &n }

func seed(t *testing.T, threads ...thread) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(clock.NewMock())
	for _, th := range threads {
		require.NoError(t, store.Set(context.Background(), "threads", th.ID, th))
	}
	return store
}

func findIDs(t *testing.T, store *MemoryStore, q Query) []string {
	t.Helper()
	var out []thread
	require.NoError(t, store.Find(context.Background(), "threads", q, &out))
	ids := make([]string, 0, len(out))
	for _, th := range out {
		ids = append(ids, th.ID)
	}
	return ids
}

func TestArrayFieldMatching(t *testing.T) {
	store := seed(t,
		thread{ID: "u1_u2", Participants: []string{"u1", "u2"}},
		thread{ID: "u1_u3", Participants: []string{"u1", "u3"}},
		thread{ID: "u2_u3", Participants: []string{"u2", "u3"}},
	)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"eq matches any element", NewFilter().Eq("participants", "u1").Build(), []string{"u1_u2", "u1_u3"}},
		{"eq on the whole array", NewFilter().Eq("participants", []string{"u2", "u3"}).Build(), []string{"u2_u3"}},
		{"all needs every value", NewFilter().All("participants", "u1", "u3").Build(), []string{"u1_u3"}},
		{"all with a stranger", NewFilter().All("participants", "u1", "u9").Build(), []string{}},
		{"empty all matches nothing", NewFilter().All("participants").Build(), []string{}},
		{"ne excludes any element", NewFilter().Ne("participants", "u1").Build(), []string{"u2_u3"}},
		{"in over elements", NewFilter().In("participants", "u9", "u3").Build(), []string{"u1_u3", "u2_u3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findIDs(t, store, Query{Filter: tt.filter})
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestSortPutsMissingFieldFirst(t *testing.T) {
	store := seed(t,
		thread{ID: "b", Rank: rank(2)},
		thread{ID: "none"},
		thread{ID: "a", Rank: rank(1)},
	)

	asc := findIDs(t, store, Query{Sort: []SortField{{Field: "rank"}}})
	assert.Equal(t, []string{"none", "a", "b"}, asc)

	desc := findIDs(t, store, Query{Sort: []SortField{{Field: "rank", Desc: true}}})
	assert.Equal(t, []string{"b", "a", "none"}, desc)

	limited := findIDs(t, store, Query{Sort: []SortField{{Field: "rank", Desc: true}}, Limit: 1})
	assert.Equal(t, []string{"b"}, limited)

	ranged := findIDs(t, store, Query{Filter: NewFilter().Gte("rank", 1).Build()})
	assert.ElementsMatch(t, []string{"a", "b"}, ranged, "a missing field never satisfies a range")
}

func TestIncStartsAbsentFieldAtZero(t *testing.T) {
	ctx := context.Background()
	store := seed(t, thread{ID: "u1_u2", Participants: []string{"u1", "u2"}})

	require.NoError(t, store.Update(ctx, "threads", "u1_u2", NewUpdate().Inc("unread.u2", 1)))
	require.NoError(t, store.Update(ctx, "threads", "u1_u2", NewUpdate().Inc("unread.u2", 1).Set("unread.u1", 0)))

	var got thread
	require.NoError(t, store.Get(ctx, "threads", "u1_u2", &got))
	assert.Equal(t, map[string]int64{"u1": 0, "u2": 2}, got.Unread)

	err := store.Update(ctx, "threads", "u1_u2", NewUpdate().Inc("participants", 1))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = store.Update(ctx, "threads", "missing", NewUpdate().Inc("unread.u2", 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateKeepsExistingDocument(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	created, err := store.Create(ctx, "threads", "u1_u2", thread{Participants: []string{"u1", "u2"}})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(ctx, "threads", "u1_u2", thread{Participants: []string{"u3"}})
	require.NoError(t, err)
	assert.False(t, created)

	var got thread
	require.NoError(t, store.Get(ctx, "threads", "u1_u2", &got))
	assert.Equal(t, []string{"u1", "u2"}, got.Participants)
}

func TestFailNextRecovers(t *testing.T) {
	ctx := context.Background()
	store := seed(t, thread{ID: "a"})
	store.FailNext(2, ErrTransient)

	var got thread
	assert.ErrorIs(t, store.Get(ctx, "threads", "a", &got), ErrTransient)
	assert.ErrorIs(t, store.Get(ctx, "threads", "a", &got), ErrTransient)
	require.NoError(t, store.Get(ctx, "threads", "a", &got))
	assert.Equal(t, "a", got.ID)
}

func TestFilterBSONMergesSameField(t *testing.T) {
	f := NewFilter().
		Gte("createdAt", 1).
		Lt("createdAt", 5).
		Eq("conversationId", "u1_u2").
		Contains("text", "a.b").
		Build()

	assert.Equal(t, bson.M{
		"createdAt":      bson.M{"$gte": 1, "$lt": 5},
		"conversationId": bson.M{"$eq": "u1_u2"},
		"text":           bson.M{"$regex": `a\.b`, "$options": "i"},
	}, f.BSON())

	assert.Equal(t, bson.M{
		"fullDocument.createdAt": bson.M{"$gte": 1, "$lte": 3},
	}, NewFilter().Between("createdAt", 1, 3).Build().Prefixed("fullDocument").BSON())

	assert.Empty(t, Empty().BSON())
}
