// SPDX-License-Identifier: ice License 1.0

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

func newEvent(kind uint16, createdAt uint64, idByte byte, tags model.Tags) *model.Event {
	ev := &model.Event{Kind: kind, CreatedAt: createdAt, Tags: tags, Content: []byte("c")}
	ev.ID[0] = idByte
	ev.PubKey[0] = 0x42

	return ev
}

func TestImmutablePut(t *testing.T) {
	t.Parallel()

	store := New(0)
	ctx := context.Background()
	ev := newEvent(1, 10, 0x01, nil)

	result, err := store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutInserted, result.Outcome)

	result, err = store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutDuplicate, result.Outcome)

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{1}})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReplaceableConflict(t *testing.T) {
	t.Parallel()

	store := New(0)
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

	// The loser resubmitted is acknowledged but not stored.
	result, err = store.Put(ctx, a)
	require.NoError(t, err)
	require.Equal(t, database.PutDuplicate, result.Outcome)
}

func TestReplaceableConvergesUnderAnyOrder(t *testing.T) {
	t.Parallel()

	a := newEvent(10_001, 100, 0xAA, nil)
	b := newEvent(10_001, 200, 0x01, nil)
	c := newEvent(10_001, 200, 0x02, nil)

	orders := [][]*model.Event{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, order := range orders {
		store := New(0)
		for _, ev := range order {
			_, err := store.Put(context.Background(), ev)
			require.NoError(t, err)
		}
		events, err := store.Query(context.Background(), &model.Filter{Kinds: []uint16{10_001}})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, c.ID, events[0].ID)
	}
}

func TestParameterizedReplacement(t *testing.T) {
	t.Parallel()

	store := New(0)
	ctx := context.Background()
	dx := model.Tags{{Key: "d", Values: []string{"x"}}}
	dy := model.Tags{{Key: "d", Values: []string{"y"}}}

	first := newEvent(30_000, 10, 0x01, dx)
	second := newEvent(30_000, 20, 0x02, dy)
	for _, ev := range []*model.Event{first, second} {
		result, err := store.Put(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, database.PutInserted, result.Outcome)
	}

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{30_000}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	third := newEvent(30_000, 30, 0x03, dx)
	result, err := store.Put(ctx, third)
	require.NoError(t, err)
	require.Equal(t, database.PutReplaced, result.Outcome)
	require.Equal(t, first.ID, result.ReplacedID)

	events, err = store.Query(ctx, &model.Filter{Kinds: []uint16{30_000}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	ids := map[model.EventID]bool{events[0].ID: true, events[1].ID: true}
	require.True(t, ids[second.ID])
	require.True(t, ids[third.ID])
}

func TestEphemeralNeverStored(t *testing.T) {
	t.Parallel()

	store := New(0)
	ctx := context.Background()
	ev := newEvent(29_999, 10, 0x01, nil)

	result, err := store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutInserted, result.Outcome)

	events, err := store.Query(ctx, &model.Filter{Kinds: []uint16{29_999}})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestUnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := New(0).Put(context.Background(), newEvent(5_000, 10, 0x01, nil))
	require.ErrorIs(t, err, database.ErrUnsupportedKind)
}

func TestQueryOrderAndLimit(t *testing.T) {
	t.Parallel()

	store := New(0)
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

	events, err = store.Query(ctx, &model.Filter{Kinds: []uint16{1}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, byte(0x09), events[0].ID[0])
}

func TestQueryByTagAndPrefix(t *testing.T) {
	t.Parallel()

	store := New(0)
	ctx := context.Background()
	tagged := newEvent(1, 10, 0x01, model.Tags{{Key: "c", Values: []string{"vision"}}})
	other := newEvent(1, 11, 0x02, model.Tags{{Key: "c", Values: []string{"touch"}}})
	for _, ev := range []*model.Event{tagged, other} {
		_, err := store.Put(ctx, ev)
		require.NoError(t, err)
	}

	events, err := store.Query(ctx, &model.Filter{Tags: []model.TagFilter{{Key: "c", Value: "vision"}}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, tagged.ID, events[0].ID)

	events, err = store.Query(ctx, &model.Filter{PubKeyPrefixes: [][]byte{{0x42}}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = store.Query(ctx, &model.Filter{PubKeyPrefixes: [][]byte{{0x43}}})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestGCExpiresImmutableOnly(t *testing.T) {
	t.Parallel()

	store := New(100).WithClock(func() uint64 { return 1_000 })
	ctx := context.Background()
	old := newEvent(1, 10, 0x01, nil)
	fresh := newEvent(1, 950, 0x02, nil)
	replaceable := newEvent(10_001, 10, 0x03, nil)
	for _, ev := range []*model.Event{old, fresh, replaceable} {
		_, err := store.Put(ctx, ev)
		require.NoError(t, err)
	}

	require.NoError(t, store.GC(ctx, 1_000))

	events, err := store.Query(ctx, &model.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	ids := map[model.EventID]bool{events[0].ID: true, events[1].ID: true}
	require.True(t, ids[fresh.ID])
	require.True(t, ids[replaceable.ID])
}

func TestPutIdempotence(t *testing.T) {
	t.Parallel()

	store := New(0)
	ctx := context.Background()
	ev := newEvent(1, 10, 0x01, model.Tags{{Key: "c", Values: []string{"v"}}})

	_, err := store.Put(ctx, ev)
	require.NoError(t, err)
	before, err := store.Query(ctx, &model.Filter{})
	require.NoError(t, err)

	result, err := store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutDuplicate, result.Outcome)
	after, err := store.Query(ctx, &model.Filter{})
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestConcurrentReplaceablePuts(t *testing.T) {
	t.Parallel()

	store := New(0)
	winner := newEvent(10_001, 999, 0xFF, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newEvent(10_001, uint64(100+i), byte(i+1), nil)
			_, _ = store.Put(context.Background(), ev)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = store.Put(context.Background(), winner)
	}()
	wg.Wait()

	events, err := store.Query(context.Background(), &model.Filter{Kinds: []uint16{10_001}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, winner.ID, events[0].ID)
}

func TestBloomHintKeepsContract(t *testing.T) {
	t.Parallel()

	store := New(0).WithBloom(database.NewBloom(1<<12, 3))
	ctx := context.Background()
	ev := newEvent(1, 10, 0x01, nil)

	result, err := store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutInserted, result.Outcome)
	result, err = store.Put(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, database.PutDuplicate, result.Outcome)
}
