package albatross

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of a Hash in bytes.
const HashSize = 32

// AddressSize is the size of an Address in bytes.
const AddressSize = 20

// Hash is a Blake2b-256 digest. The zero Hash stands for "nil" in votes.
type Hash [HashSize]byte

// HashOf hashes the concatenation of parts.
func HashOf(parts ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromBytes converts a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: expected %d, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Address identifies a validator: the first 20 bytes of the Blake2b-256
// digest of its producer public key.
type Address [AddressSize]byte

// AddressFromKey derives an Address from a producer public key.
func AddressFromKey(producerKey []byte) Address {
	sum := blake2b.Sum256(producerKey)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// ParseAddress decodes a base58 address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) != AddressSize {
		return a, fmt.Errorf("invalid address length: expected %d, got %d", AddressSize, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// String returns the base58 encoding of a.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Compare orders addresses bytewise. It defines the canonical validator order.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}
