// SPDX-License-Identifier: ice License 1.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "relay.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return store
}

func newEvent(kind uint16, createdAt uint64, idByte byte, tags model.Tags) *model.Event {
	ev := &model.Event{Kind: kind, CreatedAt: createdAt, Tags: tags, Content: []byte("content")}
	ev.ID[0] = idByte
	ev.PubKey[0] = 0x42

	return ev
}

func TestPutPerKindClass(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	t.Run("ImmutableDuplicate", func(t *testing.T) {
		ev := newEvent(1, 10, 0x01, nil)
		result, err := store.Put(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, database.PutInserted, result.Outcome)
		result, err = store.Put(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, database.PutDuplicate, result.Outcome)
	})
	t.Run("Ephemeral", func(t *testing.T) {
		result, err := store.Put(ctx, newEvent(20_000, 10, 0x02, nil))
		require.NoError(t, err)
		require.Equal(t, database.PutInserted, result.Outcome)
		events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{20_000}})
		require.NoError(t, err)
		require.Empty(t, events)
	})
	t.Run("UnsupportedKind", func(t *testing.T) {
		_, err := store.Put(ctx, newEvent(40_000, 10, 0x03, nil))
		require.ErrorIs(t, err, database.ErrUnsupportedKind)
	})
}

func TestReplaceableConflict(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	a := newEvent(10_001, 100, 0xAA, nil)
	b := newEvent(10_001, 100, 0xBB, nil)

	result, err := store.Put(ctx, a)
	require.NoError(t, err)
	require.Equal(t, database.PutInserted, result.Outcome)

	result, err = store.Put(ctx, b)
	require.NoError(t, err)
	require.Equal(t, database.PutReplaced, result.Outcome)
	require.Equal(t, a.ID, result.ReplacedID)

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{10_001}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, b.ID, events[0].ID)

	result, err = store.Put(ctx, a)
	require.NoError(t, err)
	require.Equal(t, database.PutDuplicate, result.Outcome)
}

func TestParameterizedReplacement(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	dx := model.Tags{{Key: "d", Values: []string{"x"}}}
	dy := model.Tags{{Key: "d", Values: []string{"y"}}}

	_, err := store.Put(ctx, newEvent(30_000, 10, 0x01, dx))
	require.NoError(t, err)
	_, err = store.Put(ctx, newEvent(30_000, 20, 0x02, dy))
	require.NoError(t, err)

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{30_000}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	third := newEvent(30_000, 30, 0x03, dx)
	result, err := store.Put(ctx, third)
	require.NoError(t, err)
	require.Equal(t, database.PutReplaced, result.Outcome)

	events, err = store.Query(ctx, &model.Filter{Kinds: []uint16{30_000}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.NotEqual(t, byte(0x01), ev.ID[0])
	}
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	tagged := newEvent(1, 10, 0x01, model.Tags{{Key: "c", Values: []string{"vision", "extra"}}})
	audio := newEvent(1, 20, 0x02, model.Tags{{Key: "c", Values: []string{"audio"}}})
	touch := newEvent(2, 30, 0x03, model.Tags{{Key: "c", Values: []string{"touch"}}})
	for _, ev := range []*model.Event{tagged, audio, touch} {
		_, err := store.Put(ctx, ev)
		require.NoError(t, err)
	}

	t.Run("TagsORWithinKey", func(t *testing.T) {
		events, err := store.Query(ctx, &model.Filter{Tags: []model.TagFilter{
			{Key: "c", Value: "vision"}, {Key: "c", Value: "audio"},
		}})
		require.NoError(t, err)
		require.Len(t, events, 2)
	})
	t.Run("SinceUntil", func(t *testing.T) {
		since, until := uint64(15), uint64(25)
		events, err := store.Query(ctx, &model.Filter{Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, audio.ID, events[0].ID)
	})
	t.Run("PubKeyPrefix", func(t *testing.T) {
		events, err := store.Query(ctx, &model.Filter{PubKeyPrefixes: [][]byte{{0x42}}})
		require.NoError(t, err)
		require.Len(t, events, 3)
		events, err = store.Query(ctx, &model.Filter{PubKeyPrefixes: [][]byte{{0x43}}})
		require.NoError(t, err)
		require.Empty(t, events)
	})
	t.Run("OrderAndLimit", func(t *testing.T) {
		events, err := store.Query(ctx, &model.Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, touch.ID, events[0].ID)
		require.Equal(t, audio.ID, events[1].ID)
	})
	t.Run("RoundTripsFields", func(t *testing.T) {
		events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{1}, Tags: []model.TagFilter{{Key: "c", Value: "vision"}}})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, tagged, events[0])
	})
}

func TestGC(t *testing.T) {
	t.Parallel()

	store, err := New(filepath.Join(t.TempDir(), "gc.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	ctx := context.Background()

	_, err = store.Put(ctx, newEvent(1, 10, 0x01, nil))
	require.NoError(t, err)
	_, err = store.Put(ctx, newEvent(1, 950, 0x02, nil))
	require.NoError(t, err)
	_, err = store.Put(ctx, newEvent(10_001, 10, 0x03, nil))
	require.NoError(t, err)

	require.NoError(t, store.GC(ctx, 1_000))

	events, err := store.Query(ctx, &model.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.NotEqual(t, byte(0x01), ev.ID[0])
	}
}
