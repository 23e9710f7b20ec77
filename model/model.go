// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

type (
	EventID   [32]byte
	PubKey    [32]byte
	Signature [64]byte

	Tag struct {
		Key    string
		Values []string
	}
	Tags []Tag

	// Event is the atomic unit of the relay: a signed, content-addressed
	// record named by the Blake3 hash of its canonical serialization.
	Event struct {
		ID        EventID
		PubKey    PubKey
		CreatedAt uint64
		Kind      uint16
		Tags      Tags
		Content   []byte
		Sig       Signature
	}

	KindClass uint8

	Subscription struct {
		Filters Filters
	}
)

const (
	KindClassInvalid KindClass = iota
	KindClassImmutable
	KindClassReplaceable
	KindClassEphemeral
	KindClassParameterized
)

const (
	kindImmutableMax     = 999
	kindReplaceableMin   = 10_000
	kindReplaceableMax   = 19_999
	kindEphemeralMin     = 20_000
	kindEphemeralMax     = 29_999
	kindParameterizedMin = 30_000
	kindParameterizedMax = 39_999

	MaxKind = kindParameterizedMax

	MaxContentSize = 16 << 20

	maxTagKeyLen    = 8
	maxTagValues    = 16
	maxTagValueSize = 1024
)

var (
	ErrInvalidMessage       = errors.New("invalid_message")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrInvalidEventID       = errors.New("invalid_event_id")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrInvalidKind          = errors.New("invalid_kind")
	ErrTimestampOutOfRange  = errors.New("timestamp_out_of_range")
	ErrInsufficientPoW      = errors.New("insufficient_pow")
	ErrValidationFailed     = errors.New("validation_failed")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrRateLimited          = errors.New("rate_limited")
	ErrInternal             = errors.New("internal_error")
	ErrDuplicate            = errors.New("duplicate")
)

// ErrorCode maps a validation discriminant to the wire-level error code.
// Unrecognized errors collapse to internal_error so storage failures never
// leak implementation detail to clients.
func ErrorCode(err error) string {
	for _, known := range []error{
		ErrInvalidMessage,
		ErrInvalidEvent,
		ErrInvalidEventID,
		ErrInvalidSignature,
		ErrInvalidKind,
		ErrTimestampOutOfRange,
		ErrInsufficientPoW,
		ErrValidationFailed,
		ErrSubscriptionNotFound,
		ErrRateLimited,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	return ErrInternal.Error()
}

func ClassOfKind(kind uint16) KindClass {
	switch {
	case kind <= kindImmutableMax:
		return KindClassImmutable
	case kind >= kindReplaceableMin && kind <= kindReplaceableMax:
		return KindClassReplaceable
	case kind >= kindEphemeralMin && kind <= kindEphemeralMax:
		return KindClassEphemeral
	case kind >= kindParameterizedMin && kind <= kindParameterizedMax:
		return KindClassParameterized
	}

	return KindClassInvalid
}

func (e *Event) Class() KindClass {
	return ClassOfKind(e.Kind)
}

func (e *Event) IsEphemeral() bool {
	return e.Class() == KindClassEphemeral
}

// DValue returns the first value of the first "d" tag, or "" if absent.
// It keys parameterized-replaceable events together with (pubkey, kind).
func (e *Event) DValue() string {
	for _, tag := range e.Tags {
		if tag.Key == "d" {
			if len(tag.Values) > 0 {
				return tag.Values[0]
			}

			return ""
		}
	}

	return ""
}

func (e *Event) GetTag(tagName string) *Tag {
	for i := range e.Tags {
		if e.Tags[i].Key == tagName {
			return &e.Tags[i]
		}
	}

	return nil
}

func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

func (pk PubKey) String() string {
	return hex.EncodeToString(pk[:])
}

func (sig Signature) String() string {
	return hex.EncodeToString(sig[:])
}

func ParseEventID(s string) (id EventID, err error) {
	err = parseFixedHex(s, id[:], "event_id")

	return id, err
}

func ParsePubKey(s string) (pk PubKey, err error) {
	err = parseFixedHex(s, pk[:], "pubkey")

	return pk, err
}

func ParseSignature(s string) (sig Signature, err error) {
	err = parseFixedHex(s, sig[:], "sig")

	return sig, err
}

func parseFixedHex(s string, dst []byte, field string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%v is not valid hex", field)
	}
	if len(raw) != len(dst) {
		return errors.Wrapf(ErrInvalidEvent, "%v must be %v bytes", field, len(dst))
	}
	copy(dst, raw)

	return nil
}
