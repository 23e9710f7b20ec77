// SPDX-License-Identifier: ice License 1.0

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aether-mesh/relay/model"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := map[Type]any{
		TypeHello:       &HelloPayload{Version: 1, Formats: []string{"binary", "json"}},
		TypeWelcome:     &WelcomePayload{Version: 1, Format: "binary", Noise: &NoiseInfo{Required: true, PubKey: "ab"}},
		TypePublish:     &PublishPayload{Event: model.Event{Kind: 1, CreatedAt: 5, Content: []byte("x")}},
		TypeSubscribe:   &SubscribePayload{SubID: "s1", Filters: []model.Filter{{Kinds: []uint16{1}}}},
		TypeUnsubscribe: &UnsubscribePayload{SubID: "s1"},
		TypeEvent:       &EventPayload{SubID: "s1", Event: model.Event{Kind: 2}},
		TypeAck:         &AckPayload{EventID: "00", Accepted: true, Reason: "duplicate"},
		TypeError:       &ErrorPayload{Code: "invalid_message", Message: "boom"},
		TypeNoise:       &NoisePayload{PayloadHex: "0011"},
	}

	for _, format := range []Format{FormatBinary, FormatJSON} {
		for msgType, payload := range payloads {
			env, err := NewEnvelope(msgType, payload)
			require.NoError(t, err)

			raw, err := Encode(env, format)
			require.NoError(t, err)

			decoded, err := Decode(raw, format)
			require.NoErrorf(t, err, "type %v format %v", msgType, format)
			require.Equal(t, msgType, decoded.Type)
			require.JSONEq(t, string(env.Payload), string(decoded.Payload))
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	t.Run("JSON", func(t *testing.T) {
		for _, raw := range []string{`[]`, `not json`, `{"type":"nope"}`, `{}`} {
			_, err := Decode([]byte(raw), FormatJSON)
			require.ErrorIsf(t, err, ErrMalformedFrame, "input %v", raw)
		}
	})
	t.Run("Binary", func(t *testing.T) {
		_, err := Decode([]byte{0x00}, FormatBinary)
		require.ErrorIs(t, err, ErrMalformedFrame)

		_, err = Decode([]byte{0xFF, 0, 0, 0, 0}, FormatBinary)
		require.ErrorIs(t, err, ErrMalformedFrame)

		// Length field lies about the payload size.
		_, err = Decode([]byte{0x00, 0, 0, 0, 9, '{', '}'}, FormatBinary)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := Decode([]byte(`{}`), Format("xml"))
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestStreamFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	first, err := NewEnvelope(TypeAck, &AckPayload{Accepted: true})
	require.NoError(t, err)
	firstRaw, err := Encode(first, FormatBinary)
	require.NoError(t, err)
	second, err := NewEnvelope(TypeError, &ErrorPayload{Code: "internal_error"})
	require.NoError(t, err)
	secondRaw, err := Encode(second, FormatBinary)
	require.NoError(t, err)

	require.NoError(t, WriteFrame(&buf, firstRaw))
	require.NoError(t, WriteFrame(&buf, secondRaw))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, firstRaw, got)
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, secondRaw, got)

	_, err = ReadFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}
