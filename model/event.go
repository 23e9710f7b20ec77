// SPDX-License-Identifier: ice License 1.0

package model

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"lukechampine.com/blake3"
)

// Serialize produces the canonical byte layout hashed into the event id:
//
//	pubkey || u64be(created_at) || u16be(kind) || tags_blob || content
//
// where tags_blob is u16be(tag_count) and, per tag, u8(key_len) || key ||
// u16be(value_count) and, per value, u16be(value_len) || value.
func (e *Event) Serialize() []byte {
	out := make([]byte, 0, 32+8+2+e.Tags.blobSize()+len(e.Content))
	out = append(out, e.PubKey[:]...)
	out = binary.BigEndian.AppendUint64(out, e.CreatedAt)
	out = binary.BigEndian.AppendUint16(out, e.Kind)
	out = e.Tags.appendBlob(out)
	out = append(out, e.Content...)

	return out
}

func (t Tags) blobSize() int {
	size := 2
	for _, tag := range t {
		size += 1 + len(tag.Key) + 2
		for _, value := range tag.Values {
			size += 2 + len(value)
		}
	}

	return size
}

func (t Tags) appendBlob(out []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(t)))
	for _, tag := range t {
		out = append(out, uint8(len(tag.Key)))
		out = append(out, tag.Key...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(tag.Values)))
		for _, value := range tag.Values {
			out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
			out = append(out, value...)
		}
	}

	return out
}

// ComputeID hashes the canonical serialization with Blake3.
func (e *Event) ComputeID() EventID {
	return EventID(blake3.Sum256(e.Serialize()))
}

// CanonicalSize is the policy size of an event: every canonical field plus
// the id and signature. Used by the max-size knob, not by the hash.
func (e *Event) CanonicalSize() int {
	return 32 + 32 + 8 + 2 + e.Tags.blobSize() + len(e.Content) + 64
}

// Sign recomputes the id from the canonical fields and signs it with the
// given Ed25519 private key, filling in PubKey, ID and Sig.
func (e *Event) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.Wrap(ErrInvalidEvent, "private key must be 64 bytes")
	}
	copy(e.PubKey[:], privateKey.Public().(ed25519.PublicKey))
	e.ID = e.ComputeID()
	copy(e.Sig[:], ed25519.Sign(privateKey, e.ID[:]))

	return nil
}

// CheckID recomputes the canonical hash and compares it to the carried id.
// The comparison is constant-time.
func (e *Event) CheckID() bool {
	computed := e.ComputeID()

	return subtle.ConstantTimeCompare(computed[:], e.ID[:]) == 1
}

// CheckSignature verifies Sig over ID against PubKey.
func (e *Event) CheckSignature() bool {
	return ed25519.Verify(ed25519.PublicKey(e.PubKey[:]), e.ID[:], e.Sig[:])
}
