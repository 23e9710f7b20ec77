// SPDX-License-Identifier: ice License 1.0

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterTagSemantics(t *testing.T) {
	t.Parallel()

	vision := &Event{Kind: 1, Tags: Tags{{Key: "c", Values: []string{"vision"}}}}
	audio := &Event{Kind: 1, Tags: Tags{{Key: "c", Values: []string{"audio"}}}}
	touch := &Event{Kind: 1, Tags: Tags{{Key: "c", Values: []string{"touch"}}}}

	t.Run("ORWithinKey", func(t *testing.T) {
		filter := Filter{Tags: []TagFilter{{Key: "c", Value: "vision"}, {Key: "c", Value: "audio"}}}
		require.True(t, filter.Matches(vision))
		require.True(t, filter.Matches(audio))
		require.False(t, filter.Matches(touch))
	})
	t.Run("ANDAcrossKeys", func(t *testing.T) {
		filter := Filter{Tags: []TagFilter{{Key: "c", Value: "vision"}, {Key: "p", Value: "peer"}}}
		require.False(t, filter.Matches(vision))

		both := &Event{Kind: 1, Tags: Tags{
			{Key: "c", Values: []string{"vision"}},
			{Key: "p", Values: []string{"peer"}},
		}}
		require.True(t, filter.Matches(both))
	})
}

func TestFilterPredicates(t *testing.T) {
	t.Parallel()

	ev := &Event{Kind: 42, CreatedAt: 100}
	for i := range ev.PubKey {
		ev.PubKey[i] = byte(i)
	}

	t.Run("Kinds", func(t *testing.T) {
		require.True(t, (&Filter{Kinds: []uint16{1, 42}}).Matches(ev))
		require.False(t, (&Filter{Kinds: []uint16{1, 2}}).Matches(ev))
	})
	t.Run("PubKeyPrefixes", func(t *testing.T) {
		require.True(t, (&Filter{PubKeyPrefixes: [][]byte{{0x00, 0x01}}}).Matches(ev))
		require.True(t, (&Filter{PubKeyPrefixes: [][]byte{{0xFF}, {0x00}}}).Matches(ev))
		require.False(t, (&Filter{PubKeyPrefixes: [][]byte{{0x01}}}).Matches(ev))
	})
	t.Run("SinceUntil", func(t *testing.T) {
		since, until := uint64(100), uint64(100)
		require.True(t, (&Filter{Since: &since, Until: &until}).Matches(ev))
		later := uint64(101)
		require.False(t, (&Filter{Since: &later}).Matches(ev))
		earlier := uint64(99)
		require.False(t, (&Filter{Until: &earlier}).Matches(ev))
	})
	t.Run("EmptyFilterMatchesEverything", func(t *testing.T) {
		require.True(t, (&Filter{}).Matches(ev))
	})
}

// Removing any predicate can only enlarge the match set.
func TestFilterMonotonicity(t *testing.T) {
	t.Parallel()

	since := uint64(50)
	full := Filter{
		Kinds:          []uint16{42},
		PubKeyPrefixes: [][]byte{{0x00}},
		Tags:           []TagFilter{{Key: "c", Value: "vision"}},
		Since:          &since,
	}
	events := []*Event{
		{Kind: 42, CreatedAt: 100, Tags: Tags{{Key: "c", Values: []string{"vision"}}}},
		{Kind: 42, CreatedAt: 10},
		{Kind: 7, CreatedAt: 100},
	}

	relaxations := map[string]Filter{
		"no kinds":    {PubKeyPrefixes: full.PubKeyPrefixes, Tags: full.Tags, Since: full.Since},
		"no prefixes": {Kinds: full.Kinds, Tags: full.Tags, Since: full.Since},
		"no tags":     {Kinds: full.Kinds, PubKeyPrefixes: full.PubKeyPrefixes, Since: full.Since},
		"no since":    {Kinds: full.Kinds, PubKeyPrefixes: full.PubKeyPrefixes, Tags: full.Tags},
	}
	for name, relaxed := range relaxations {
		for i, ev := range events {
			if full.Matches(ev) {
				require.Truef(t, relaxed.Matches(ev), "%v shrank the match set for event %v", name, i)
			}
		}
	}
}

func TestFilterJSONNormalization(t *testing.T) {
	t.Parallel()

	t.Run("TagsAsMapping", func(t *testing.T) {
		filter, err := ParseFilter([]byte(`{"tags":{"c":["vision","audio"]}}`))
		require.NoError(t, err)
		require.ElementsMatch(t, []TagFilter{{Key: "c", Value: "vision"}, {Key: "c", Value: "audio"}}, filter.Tags)
	})
	t.Run("TagsAsPairs", func(t *testing.T) {
		filter, err := ParseFilter([]byte(`{"tags":[["c","vision"],["c","audio"]]}`))
		require.NoError(t, err)
		require.ElementsMatch(t, []TagFilter{{Key: "c", Value: "vision"}, {Key: "c", Value: "audio"}}, filter.Tags)
	})
	t.Run("BothShapesMatchTheSame", func(t *testing.T) {
		mapping, err := ParseFilter([]byte(`{"tags":{"c":["vision"]}}`))
		require.NoError(t, err)
		pairs, err := ParseFilter([]byte(`{"tags":[["c","vision"]]}`))
		require.NoError(t, err)

		ev := &Event{Tags: Tags{{Key: "c", Values: []string{"vision"}}}}
		require.Equal(t, mapping.Matches(ev), pairs.Matches(ev))
	})
	t.Run("NumericStrings", func(t *testing.T) {
		filter, err := ParseFilter([]byte(`{"kinds":["1","42"],"since":"5","until":"10","limit":"3"}`))
		require.NoError(t, err)
		require.Equal(t, []uint16{1, 42}, filter.Kinds)
		require.Equal(t, uint64(5), *filter.Since)
		require.Equal(t, uint64(10), *filter.Until)
		require.Equal(t, 3, filter.Limit)
	})
	t.Run("PubKeyPrefixes", func(t *testing.T) {
		filter, err := ParseFilter([]byte(`{"pubkey_prefixes":["00ff","abc"]}`))
		require.NoError(t, err)
		require.Equal(t, [][]byte{{0x00, 0xFF}, {0x0A, 0xBC}}, filter.PubKeyPrefixes)
	})
	t.Run("Malformed", func(t *testing.T) {
		for _, raw := range []string{
			`[]`,
			`{"tags":"nope"}`,
			`{"tags":[["c"]]}`,
			`{"kinds":"nope"}`,
			`{"pubkey_prefixes":["not-hex"]}`,
			`{"since":"abc"}`,
		} {
			_, err := ParseFilter([]byte(raw))
			require.ErrorIsf(t, err, ErrInvalidMessage, "input %v", raw)
		}
	})
	t.Run("RoundTrip", func(t *testing.T) {
		filter, err := ParseFilter([]byte(`{"kinds":[1],"tags":{"c":["vision"]},"limit":5}`))
		require.NoError(t, err)
		raw, err := filter.MarshalJSON()
		require.NoError(t, err)
		again, err := ParseFilter(raw)
		require.NoError(t, err)
		require.Equal(t, filter, again)
	})
}
