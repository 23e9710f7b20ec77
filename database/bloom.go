// SPDX-License-Identifier: ice License 1.0

package database

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// Bloom is a fixed-size bloom filter over event ids, used as an advisory
// dedupe hint in front of the primary index. False positives fall through
// to the authoritative lookup; false negatives cannot happen.
type Bloom struct {
	bits      []byte
	sizeBits  uint64
	hashCount int
}

func NewBloom(sizeBits uint64, hashCount int) *Bloom {
	if sizeBits == 0 || hashCount <= 0 {
		return nil
	}

	return &Bloom{
		bits:      make([]byte, (sizeBits+7)/8),
		sizeBits:  sizeBits,
		hashCount: hashCount,
	}
}

func (b *Bloom) Add(data []byte) {
	for _, index := range b.indices(data) {
		b.bits[index/8] |= 1 << (index % 8)
	}
}

func (b *Bloom) MightContain(data []byte) bool {
	for _, index := range b.indices(data) {
		if b.bits[index/8]&(1<<(index%8)) == 0 {
			return false
		}
	}

	return true
}

func (b *Bloom) indices(data []byte) []uint64 {
	out := make([]uint64, 0, b.hashCount)
	seed := make([]byte, 0, len(data)+2)
	for i := 0; i < b.hashCount; i++ {
		seed = append(seed[:0], data...)
		seed = binary.BigEndian.AppendUint16(seed, uint16(i))
		digest := blake3.Sum256(seed)
		out = append(out, binary.BigEndian.Uint64(digest[:8])%b.sizeBits)
	}

	return out
}
