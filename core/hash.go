package core

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// HashSize is the length in bytes of a SHA3-256 digest.
const HashSize = 32

// ZeroHash is the all-zero hash used for the genesis block's prev_hash and
// for the empty-tree merkle root.
var ZeroHash = Hash32{}

// Hash32 is a 32-byte content hash, always rendered as lowercase hex on the
// wire and in JSON.
type Hash32 [HashSize]byte

// String renders the hash as 64 lowercase hex characters.
func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash32) IsZero() bool {
	return h == ZeroHash
}

// Big interprets the hash as a big-endian unsigned integer, matching the
// source's `int(hash_hex, 16)` comparison against the PoW target.
func (h Hash32) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// MarshalJSON renders the hash as a hex string.
func (h Hash32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses a hex string into the hash.
func (h *Hash32) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("hash32: invalid JSON literal %q", b)
	}
	return h.UnmarshalText(b[1 : len(b)-1])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses 64 hex characters into h.
func (h *Hash32) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("hash32: %w", err)
	}
	if len(decoded) != HashSize {
		return fmt.Errorf("hash32: expected %d bytes, got %d", HashSize, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// HashFromHex parses a hex string into a Hash32.
func HashFromHex(s string) (Hash32, error) {
	var h Hash32
	err := h.UnmarshalText([]byte(s))
	return h, err
}
