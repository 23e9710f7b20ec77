// SPDX-License-Identifier: ice License 1.0

package model

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ValidationPolicy carries the relay policy knobs applied on top of the
// structural and cryptographic checks.
type ValidationPolicy struct {
	// MaxFutureSkew bounds how far into the future created_at may point.
	// There is no lower bound: old events are acceptable.
	MaxFutureSkew time.Duration
	// MinPowDifficulty, when positive, requires the event id to carry at
	// least that many leading zero bits.
	MinPowDifficulty int
	// MaxEventSize, when positive, bounds the canonical size of the event.
	MaxEventSize int
	// Now injects the clock; nil means time.Now.
	Now func() time.Time
}

const DefaultMaxFutureSkew = 60 * time.Second

// Validate runs the full inbound pipeline on an event, in order: structure,
// canonical hash, signature, kind range, timestamp skew, proof of work.
// It returns a discriminant from the model error vocabulary, never panics.
func (e *Event) Validate(policy *ValidationPolicy) error {
	if err := e.ValidateStructure(); err != nil {
		return err
	}
	if !e.CheckID() {
		return errors.Wrap(ErrInvalidEventID, "event id does not match canonical hash")
	}
	if !e.CheckSignature() {
		return errors.Wrap(ErrInvalidSignature, "signature does not verify against pubkey")
	}
	if e.Class() == KindClassInvalid {
		return errors.Wrapf(ErrInvalidKind, "kind %v is outside every storage class", e.Kind)
	}

	skew := DefaultMaxFutureSkew
	var minDifficulty, maxSize int
	now := time.Now
	if policy != nil {
		if policy.MaxFutureSkew > 0 {
			skew = policy.MaxFutureSkew
		}
		minDifficulty = policy.MinPowDifficulty
		maxSize = policy.MaxEventSize
		if policy.Now != nil {
			now = policy.Now
		}
	}
	if e.CreatedAt > uint64(now().UnixNano())+uint64(skew.Nanoseconds()) {
		return errors.Wrap(ErrTimestampOutOfRange, "created_at is too far in the future")
	}
	if !e.CheckDifficulty(minDifficulty) {
		return errors.Wrapf(ErrInsufficientPoW, "difficulty %v < %v", e.ID.Difficulty(), minDifficulty)
	}
	if maxSize > 0 && e.CanonicalSize() > maxSize {
		return errors.Wrap(ErrValidationFailed, "event exceeds maximum size")
	}

	return nil
}

// ValidateStructure enforces field sizes and tag constraints. It is cheap
// and runs before any hashing.
func (e *Event) ValidateStructure() error {
	if len(e.Content) > MaxContentSize {
		return errors.Wrap(ErrInvalidEvent, "content exceeds 16 MiB")
	}
	if len(e.Tags) > 0xFFFF {
		return errors.Wrap(ErrInvalidEvent, "too many tags")
	}
	for i := range e.Tags {
		if err := e.Tags[i].validate(); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tag) validate() error {
	if len(t.Key) == 0 || len(t.Key) > maxTagKeyLen {
		return errors.Wrapf(ErrInvalidEvent, "tag key length must be 1..%v", maxTagKeyLen)
	}
	for _, c := range []byte(t.Key) {
		if !isTagKeyByte(c) {
			return errors.Wrapf(ErrInvalidEvent, "tag key %q has a character outside [A-Za-z0-9_]", t.Key)
		}
	}
	if len(t.Values) > maxTagValues {
		return errors.Wrapf(ErrInvalidEvent, "tag %q has more than %v values", t.Key, maxTagValues)
	}
	for _, value := range t.Values {
		if len(value) > maxTagValueSize {
			return errors.Wrapf(ErrInvalidEvent, "tag %q value exceeds %v bytes", t.Key, maxTagValueSize)
		}
	}

	return nil
}

func isTagKeyByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
