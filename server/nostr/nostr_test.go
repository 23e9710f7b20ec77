// SPDX-License-Identifier: ice License 1.0

package nostr

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aether-mesh/relay/model"
)

func TestFilterFromNostr(t *testing.T) {
	t.Parallel()

	raw := gjson.Parse(`{
		"kinds": [1, 10001],
		"authors": ["42ab", "ff"],
		"since": 5,
		"until": 10,
		"limit": 3,
		"#c": ["vision", "audio"],
		"#p": ["peer"]
	}`)
	filter, err := filterFromNostr(raw)
	require.NoError(t, err)

	require.Equal(t, []uint16{1, 10_001}, filter.Kinds)
	require.Equal(t, [][]byte{{0x42, 0xAB}, {0xFF}}, filter.PubKeyPrefixes)
	require.Equal(t, uint64(5), *filter.Since)
	require.Equal(t, uint64(10), *filter.Until)
	require.Equal(t, 3, filter.Limit)
	require.ElementsMatch(t, []model.TagFilter{
		{Key: "c", Value: "vision"},
		{Key: "c", Value: "audio"},
		{Key: "p", Value: "peer"},
	}, filter.Tags)
}

func TestFilterFromNostrOddAuthorPrefix(t *testing.T) {
	t.Parallel()

	filter, err := filterFromNostr(gjson.Parse(`{"authors":["abc"]}`))
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x0A, 0xBC}}, filter.PubKeyPrefixes)
}

// Every surface must produce the same event_id for the same canonical
// fields; the nostr shape only aliases `id`.
func TestEventIDParityWithNativeShape(t *testing.T) {
	t.Parallel()

	ev := &model.Event{Kind: 1, CreatedAt: 42, Content: []byte("parity")}
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x03}, ed25519.SeedSize))
	require.NoError(t, ev.Sign(priv))

	nativeRaw, err := ev.MarshalJSON()
	require.NoError(t, err)
	nostrRaw, err := json.Marshal(eventToNostr(ev))
	require.NoError(t, err)

	var fromNative, fromNostr model.Event
	require.NoError(t, fromNative.UnmarshalJSON(nativeRaw))
	require.NoError(t, fromNostr.UnmarshalJSON(nostrRaw))

	require.Equal(t, fromNative.ID, fromNostr.ID)
	require.Equal(t, fromNative.ComputeID(), fromNostr.ComputeID())
	require.NoError(t, fromNostr.Validate(nil))
}

func TestEventToNostrShape(t *testing.T) {
	t.Parallel()

	ev := &model.Event{Kind: 1, CreatedAt: 7, Tags: model.Tags{{Key: "c", Values: []string{"v"}}}, Content: []byte("x")}
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x03}, ed25519.SeedSize))
	require.NoError(t, ev.Sign(priv))

	raw, err := json.Marshal(eventToNostr(ev))
	require.NoError(t, err)
	parsed := gjson.ParseBytes(raw)
	require.Equal(t, ev.ID.String(), parsed.Get("id").String())
	require.Equal(t, ev.PubKey.String(), parsed.Get("pubkey").String())
	require.Equal(t, "x", parsed.Get("content").String())
	require.Equal(t, int64(1), parsed.Get("kind").Int())
	require.Equal(t, "c", parsed.Get("tags.0.0").String())
}
