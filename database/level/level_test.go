// SPDX-License-Identifier: ice License 1.0

package level

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

func newStore(t *testing.T, retention uint64) *Store {
	t.Helper()

	store, err := New(t.TempDir(), retention)
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

func TestContract(t *testing.T) {
	t.Parallel()

	store := newStore(t, 0)
	ctx := context.Background()

	t.Run("DuplicateByID", func(t *testing.T) {
		ev := newEvent(1, 10, 0x01, nil)
		result, err := store.Put(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, database.PutInserted, result.Outcome)
		result, err = store.Put(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, database.PutDuplicate, result.Outcome)
	})
	t.Run("ReplaceableConflict", func(t *testing.T) {
		a := newEvent(10_001, 100, 0xAA, nil)
		b := newEvent(10_001, 100, 0xBB, nil)
		_, err := store.Put(ctx, a)
		require.NoError(t, err)
		result, err := store.Put(ctx, b)
		require.NoError(t, err)
		require.Equal(t, database.PutReplaced, result.Outcome)
		require.Equal(t, a.ID, result.ReplacedID)

		events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{10_001}})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, b.ID, events[0].ID)
	})
	t.Run("EphemeralNotStored", func(t *testing.T) {
		result, err := store.Put(ctx, newEvent(25_000, 10, 0x05, nil))
		require.NoError(t, err)
		require.Equal(t, database.PutInserted, result.Outcome)
		events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{25_000}})
		require.NoError(t, err)
		require.Empty(t, events)
	})
}

func TestQueryOrder(t *testing.T) {
	t.Parallel()

	store := newStore(t, 0)
	ctx := context.Background()
	for _, ev := range []*model.Event{
		newEvent(1, 10, 0x01, nil),
		newEvent(1, 30, 0x02, nil),
		newEvent(1, 30, 0x09, nil),
		newEvent(1, 20, 0x03, nil),
	} {
		_, err := store.Put(ctx, ev)
		require.NoError(t, err)
	}

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{1}})
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, byte(0x09), events[0].ID[0])
	require.Equal(t, byte(0x02), events[1].ID[0])
	require.Equal(t, byte(0x03), events[2].ID[0])
	require.Equal(t, byte(0x01), events[3].ID[0])

	events, err = store.Query(ctx, &model.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, byte(0x09), events[0].ID[0])
}

func TestGC(t *testing.T) {
	t.Parallel()

	store := newStore(t, 100)
	ctx := context.Background()
	_, err := store.Put(ctx, newEvent(1, 10, 0x01, nil))
	require.NoError(t, err)
	_, err = store.Put(ctx, newEvent(1, 950, 0x02, nil))
	require.NoError(t, err)

	require.NoError(t, store.GC(ctx, 1_000))

	store.now = func() uint64 { return 1_000 }
	events, err := store.Query(ctx, &model.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, byte(0x02), events[0].ID[0])
}
