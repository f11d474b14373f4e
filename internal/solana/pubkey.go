package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size of a Solana account key in bytes.
const PublicKeyLength = 32

// PublicKey is a 32-byte Solana account key. The zero value is the null key,
// which on-chain structures use to mark absent references and to terminate
// component lists.
type PublicKey [PublicKeyLength]byte

// NullKey is the all-zero key.
var NullKey PublicKey

// ParsePublicKey decodes a base58-encoded key string.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("decoding key %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return k, fmt.Errorf("decoding key %q: got %d bytes, want %d", s, len(raw), PublicKeyLength)
	}
	copy(k[:], raw)
	return k, nil
}

// MustPublicKey is ParsePublicKey for known-good keys. It panics on error and
// is meant for package-level key tables and tests.
func MustPublicKey(s string) PublicKey {
	k, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// PublicKeyFromBytes builds a key from a raw 32-byte slice.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != PublicKeyLength {
		return k, fmt.Errorf("key bytes: got %d, want %d", len(b), PublicKeyLength)
	}
	copy(k[:], b)
	return k, nil
}

// String returns the base58 form of the key.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// IsZero reports whether the key is the null key.
func (k PublicKey) IsZero() bool {
	return k == NullKey
}
