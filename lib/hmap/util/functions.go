package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/spaolacci/murmur3"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a robust random seed for internal hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fallback to the current time, only as a last resort
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// IsPowerOfTwo reports whether n is a positive power of two.
// Bucket arrays are indexed by masking the low hash bits, so their
// size must satisfy this predicate.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashBytes generates a hash value for a byte slice with a seed.
// This function uses murmur3, which is fast and has good distribution.
// No attempt is made to protect against adversarial (HashDoS) inputs.
func HashBytes(b []byte, seed uint64) uint64 {
	return murmur3.Sum64WithSeed(b, uint32(seed)) ^ (seed >> 32)
}

// HashString generates a hash value for a string with a seed
func HashString(s string, seed uint64) uint64 {
	return HashBytes([]byte(s), seed)
}

// HashUint64 mixes an integer key with a seed.
// The multiply-xorshift finalizer spreads entropy into the low bits,
// which is what a power-of-two bucket mask consumes.
func HashUint64(k uint64, seed uint64) uint64 {
	h := k ^ seed
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}
