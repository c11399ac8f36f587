// Package bitfield provides the big-endian framing and bitmap helpers
// shared by the content manager, peer protocol, and download scheduler:
// piece_field, block_field, pos_field, and peer-advertised bitfields are
// all *bitset.BitSet under the hood, encoded to the wire the way spec.md
// section 6 describes (ceil(N/8) bytes, high bit of byte 0 is bit 0).
package bitfield

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/willf/bitset"
)

// BlocksPerPiece returns B = ceil(pieceLen / blockSize).
func BlocksPerPiece(pieceLen, blockSize int64) int {
	if blockSize <= 0 {
		panic("blockSize must be positive")
	}
	return int((pieceLen + blockSize - 1) / blockSize)
}

// PopCount returns the number of set bits in b.
func PopCount(b *bitset.BitSet) int {
	return int(b.Count())
}

// Encode packs b's first n bits into ceil(n/8) bytes, MSB-first within each
// byte (bit 0 is the high bit of byte 0), per the wire BITFIELD message.
func Encode(b *bitset.BitSet, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// Decode unpacks a wire BITFIELD payload into a BitSet of length n. Returns
// an error if buf has the wrong length for n, or if any of the spare bits
// past n (in the final byte) are set, per BEP 3.
func Decode(buf []byte, n int) (*bitset.BitSet, error) {
	want := (n + 7) / 8
	if len(buf) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d pieces, got %d", want, n, len(buf))
	}
	b := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		if buf[i/8]&(0x80>>uint(i%8)) != 0 {
			b.Set(uint(i))
		}
	}
	spareBits := want*8 - n
	if spareBits > 0 {
		last := buf[want-1]
		mask := byte(1<<uint(spareBits)) - 1
		if last&mask != 0 {
			return nil, fmt.Errorf("bitfield: spare bits set in trailing byte")
		}
	}
	return b, nil
}

// HashBytes returns the SHA-1 digest of data.
func HashBytes(data []byte) [20]byte {
	return sha1.Sum(data)
}

// HexString renders a 20-byte SHA-1 sum as lowercase hex.
func HexString(h [20]byte) string {
	return hex.EncodeToString(h[:])
}
