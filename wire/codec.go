// SPDX-License-Identifier: ice License 1.0

// Package wire implements the relay envelope codec: a compact binary table
// and a JSON object, both carrying the same typed inner payload, plus the
// 4-byte big-endian length framing used on stream transports.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

type (
	Type   uint8
	Format string

	// Envelope is the decoded frame: the message type tag and the inner
	// payload as JSON object bytes. The binary format wraps those bytes in
	// a 2-field table; the JSON format is the payload object itself.
	Envelope struct {
		Type    Type
		Payload []byte
	}
)

const (
	TypeHello Type = iota
	TypeWelcome
	TypePublish
	TypeSubscribe
	TypeUnsubscribe
	TypeEvent
	TypeAck
	TypeError
	TypeNoise

	FormatBinary Format = "binary"
	FormatJSON   Format = "json"

	// MaxFrameSize bounds a single envelope: a 16 MiB content event plus
	// hex/json expansion headroom.
	MaxFrameSize = 64 << 20

	binaryHeaderSize = 1 + 4
)

var (
	ErrMalformedFrame = errors.New("malformed_frame")

	typeNames = map[Type]string{
		TypeHello:       "hello",
		TypeWelcome:     "welcome",
		TypePublish:     "publish",
		TypeSubscribe:   "subscribe",
		TypeUnsubscribe: "unsubscribe",
		TypeEvent:       "event",
		TypeAck:         "ack",
		TypeError:       "error",
		TypeNoise:       "noise",
	}
	namesToType = func() map[string]Type {
		out := make(map[string]Type, len(typeNames))
		for t, name := range typeNames {
			out[name] = t
		}

		return out
	}()
)

func (t Type) String() string {
	if name, found := typeNames[t]; found {
		return name
	}

	return "unknown"
}

func ParseType(name string) (Type, error) {
	if t, found := namesToType[name]; found {
		return t, nil
	}

	return 0, errors.Wrapf(ErrMalformedFrame, "unknown message type %q", name)
}

// Encode serializes an envelope into the negotiated format. The payload
// must be a JSON object whose "type" field names the same message type.
func Encode(env *Envelope, fmt Format) ([]byte, error) {
	if _, found := typeNames[env.Type]; !found {
		return nil, errors.Wrapf(ErrMalformedFrame, "unknown type tag %v", uint8(env.Type))
	}
	switch fmt {
	case FormatJSON:
		out := make([]byte, len(env.Payload))
		copy(out, env.Payload)

		return out, nil
	case FormatBinary:
		out := make([]byte, 0, binaryHeaderSize+len(env.Payload))
		out = append(out, uint8(env.Type))
		out = binary.BigEndian.AppendUint32(out, uint32(len(env.Payload)))
		out = append(out, env.Payload...)

		return out, nil
	}

	return nil, errors.Wrapf(ErrMalformedFrame, "unknown format %q", fmt)
}

// Decode parses one envelope in the given format. Framing violations and
// unknown type tags fail with ErrMalformedFrame.
func Decode(data []byte, fmt Format) (*Envelope, error) {
	switch fmt {
	case FormatJSON:
		root := gjson.ParseBytes(data)
		if !root.IsObject() {
			return nil, errors.Wrap(ErrMalformedFrame, "envelope must be a JSON object")
		}
		t, err := ParseType(root.Get("type").String())
		if err != nil {
			return nil, err
		}
		payload := make([]byte, len(data))
		copy(payload, data)

		return &Envelope{Type: t, Payload: payload}, nil
	case FormatBinary:
		if len(data) < binaryHeaderSize {
			return nil, errors.Wrap(ErrMalformedFrame, "binary envelope too short")
		}
		t := Type(data[0])
		if _, found := typeNames[t]; !found {
			return nil, errors.Wrapf(ErrMalformedFrame, "unknown type tag %v", data[0])
		}
		size := binary.BigEndian.Uint32(data[1:5])
		if int(size) != len(data)-binaryHeaderSize {
			return nil, errors.Wrap(ErrMalformedFrame, "binary payload length mismatch")
		}
		payload := make([]byte, size)
		copy(payload, data[binaryHeaderSize:])

		return &Envelope{Type: t, Payload: payload}, nil
	}

	return nil, errors.Wrapf(ErrMalformedFrame, "unknown format %q", fmt)
}

// WriteFrame writes the 4-byte big-endian length prefix and the envelope
// bytes to a stream transport.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return errors.Wrap(ErrMalformedFrame, "frame exceeds maximum size")
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "failed to write frame length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write frame body")
	}

	return nil
}

// ReadFrame reads one length-prefixed frame from a stream transport.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, errors.Wrap(ErrMalformedFrame, "frame exceeds maximum size")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "failed to read frame body")
	}

	return data, nil
}
