// SPDX-License-Identifier: ice License 1.0

// Package noise implements the per-session transport-encryption upgrade:
// an X25519 + HKDF-SHA256 derived key wrapping frames in ChaCha20-Poly1305
// with a monotonic 64-bit counter per direction. It is a lightweight
// interoperable layer, not a full Noise pattern handshake.
package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	contextLabel = "aether-noise"

	counterPrefixSize = 8
)

var (
	ErrCounterOutOfOrder = errors.New("noise counter out of order")
	ErrPayloadTooShort   = errors.New("noise payload too short")
)

// GenerateKeypair returns a fresh X25519 (private, public) pair.
func GenerateKeypair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(rand.Reader, privateKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read entropy for x25519 key")
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive x25519 public key")
	}

	return privateKey, publicKey, nil
}

// DeriveSharedKey runs X25519 with the peer's public key and expands the
// shared secret through HKDF-SHA256 under the fixed context label.
func DeriveSharedKey(privateKey, peerPublicKey []byte) ([]byte, error) {
	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "x25519 exchange failed")
	}
	key := make([]byte, KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(contextLabel)), key); err != nil {
		return nil, errors.Wrap(err, "hkdf expansion failed")
	}

	return key, nil
}

// Session wraps one direction pair of an established upgrade. Counters are
// monotonic per direction and never shared across sessions.
type Session struct {
	aead        cipher.AEAD
	sendCounter uint64
	recvNext    uint64
}

func NewSession(key []byte) (*Session, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init chacha20poly1305")
	}

	return &Session{aead: aead}, nil
}

// Seal encrypts one inner frame, producing u64be(counter) || ciphertext.
func (s *Session) Seal(plaintext []byte) []byte {
	counter := s.sendCounter
	s.sendCounter++

	out := make([]byte, counterPrefixSize, counterPrefixSize+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, counter)

	return s.aead.Seal(out, nonceFor(counter), plaintext, nil)
}

// Open authenticates and decrypts one wrapped frame. Counters must advance:
// a counter below the next expected one is rejected as replayed/reordered.
func (s *Session) Open(payload []byte) ([]byte, error) {
	if len(payload) < counterPrefixSize {
		return nil, ErrPayloadTooShort
	}
	counter := binary.BigEndian.Uint64(payload[:counterPrefixSize])
	if counter < s.recvNext {
		return nil, errors.Wrapf(ErrCounterOutOfOrder, "counter %v, expected at least %v", counter, s.recvNext)
	}
	plaintext, err := s.aead.Open(nil, nonceFor(counter), payload[counterPrefixSize:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "aead authentication failed")
	}
	s.recvNext = counter + 1

	return plaintext, nil
}

// nonceFor lays the counter out little-endian, zero-padded to the 12-byte
// AEAD nonce.
func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, counter)

	return nonce
}
