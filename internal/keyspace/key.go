// Package keyspace implements the 128-bit modular identifier space the ring
// is built on: keys, modular arithmetic, and the interval predicates that
// RM-TMan and the consistent-hash placement layer are built out of.
package keyspace

import (
	"crypto/sha256"
	"fmt"
	"math/bits"
	"strconv"
)

// Key is an unsigned 128-bit integer in [0, 2^128), stored as two big-endian
// 64-bit limbs (Hi holds the most significant 64 bits). All arithmetic wraps
// modulo 2^128 — there is no overflow bit to observe.
type Key struct {
	Hi, Lo uint64
}

// Zero is the identity element for Add.
var Zero = Key{}

// HashKey derives a Key from an arbitrary byte string the way a real
// deployment would derive a node or item identifier: truncate a uniform
// cryptographic hash to 128 bits. The spec assumes this hash is a uniform
// black box (Non-goals, spec.md §1); sha256 truncation stands in for it.
func HashKey(data []byte) Key {
	sum := sha256.Sum256(data)
	var k Key
	for i := 0; i < 8; i++ {
		k.Hi = k.Hi<<8 | uint64(sum[i])
	}
	for i := 8; i < 16; i++ {
		k.Lo = k.Lo<<8 | uint64(sum[i])
	}
	return k
}

// Add returns (k + other) mod 2^128.
func (k Key) Add(other Key) Key {
	lo, carry := bits.Add64(k.Lo, other.Lo, 0)
	hi, _ := bits.Add64(k.Hi, other.Hi, carry)
	return Key{Hi: hi, Lo: lo}
}

// AddUint64 returns (k + n) mod 2^128.
func (k Key) AddUint64(n uint64) Key {
	return k.Add(Key{Lo: n})
}

// Cmp returns -1, 0, or 1 as k is less than, equal to, or greater than other,
// treating both as unsigned 128-bit integers.
func (k Key) Cmp(other Key) int {
	if k.Hi != other.Hi {
		if k.Hi < other.Hi {
			return -1
		}
		return 1
	}
	if k.Lo != other.Lo {
		if k.Lo < other.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether k and other denote the same identifier.
func (k Key) Equal(other Key) bool {
	return k.Cmp(other) == 0
}

// Distance returns the clockwise distance from k to other, i.e. the value d
// such that k.Add(d) == other, computed mod 2^128.
func (k Key) Distance(other Key) Key {
	return other.Sub(k)
}

// Sub returns (k - other) mod 2^128.
func (k Key) Sub(other Key) Key {
	lo, borrow := bits.Sub64(k.Lo, other.Lo, 0)
	hi, _ := bits.Sub64(k.Hi, other.Hi, borrow)
	return Key{Hi: hi, Lo: lo}
}

// String renders the key as a fixed-width hex identifier, used by logs and
// the CLI's ring-dump command.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}

// MarshalText implements encoding.TextMarshaler so a Key can be used as a
// JSON object key or value directly (e.g. a map[Key]... field persisted by
// internal/store), rendering the same fixed-width hex form as String.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, parsing the format
// MarshalText produces.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != 32 {
		return fmt.Errorf("keyspace: invalid key %q: want 32 hex characters", text)
	}
	hi, err := strconv.ParseUint(string(text[:16]), 16, 64)
	if err != nil {
		return fmt.Errorf("keyspace: invalid key %q: %w", text, err)
	}
	lo, err := strconv.ParseUint(string(text[16:]), 16, 64)
	if err != nil {
		return fmt.Errorf("keyspace: invalid key %q: %w", text, err)
	}
	k.Hi, k.Lo = hi, lo
	return nil
}

// two126 and two127 are the quarter- and half-ring offsets used to compute
// equally spaced replica tokens.
var (
	two126 = Key{Hi: 1 << 62}
	two127 = Key{Hi: 1 << 63}
)

// ReplicaKeys returns the four keys equally spaced around the ring from k:
// {k, k+2^126, k+2^127, k+2^126+2^127}, matching the round-trip property of
// spec.md §8. Dynamo-style systems precompute tokens like these to place
// replicas without re-walking the ring for every lookup.
func ReplicaKeys(k Key) [4]Key {
	return [4]Key{
		k,
		k.Add(two126),
		k.Add(two127),
		k.Add(two126).Add(two127),
	}
}
