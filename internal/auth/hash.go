package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TokenHasher turns raw session tokens into the value stores persist.
//
// WHY KEYED BLAKE2b AND NOT BCRYPT?
// Session tokens are already high-entropy, so a slow KDF buys nothing, and
// bcrypt silently truncates input at 72 bytes, which is shorter than any
// JWT header. A keyed hash with a server-side key acts as the salt: a leaked
// database alone cannot be used to test guessed tokens, and the output is
// deterministic so stores can index it for lookup.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher accepts a key of 32 to 64 bytes (the BLAKE2b key limit).
func NewTokenHasher(key []byte) (*TokenHasher, error) {
	if len(key) < 32 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("auth: token hash key must be 32-%d bytes, got %d", blake2b.Size, len(key))
	}
	return &TokenHasher{key: append([]byte(nil), key...)}, nil
}

// Hash returns the hex-encoded keyed BLAKE2b-256 of raw.
func (h *TokenHasher) Hash(raw string) string {
	m, err := blake2b.New256(h.key)
	if err != nil {
		// Only possible with a key over 64 bytes, which the constructor rejects.
		panic(err)
	}
	m.Write([]byte(raw))
	return hex.EncodeToString(m.Sum(nil))
}

// Matches compares raw against a stored hash in constant time.
func (h *TokenHasher) Matches(hash, raw string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(h.Hash(raw))) == 1
}
