package crypto

import (
	"golang.org/x/crypto/blake2s"
)

const (
	HashSize = blake2s.Size
	MACSize  = blake2s.Size128
)

// Hash returns BLAKE2s-256 over the concatenation of parts.
func Hash(parts ...[]byte) []byte {
	h, _ := blake2s.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// MAC returns a keyed BLAKE2s-128 tag over the concatenation of parts.
func MAC(key []byte, parts ...[]byte) []byte {
	h, err := blake2s.New128(key)
	if err != nil {
		// key longer than 32 bytes; hash it down first
		h, _ = blake2s.New128(Hash(key))
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
