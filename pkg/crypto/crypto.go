package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

var (
	ErrInvalidNonce  = errors.New("crypto: invalid nonce size")
	ErrInvalidKey    = errors.New("crypto: invalid key size")
	ErrWeakPublicKey = errors.New("crypto: low-order public key")
)

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is a clamped X25519 private scalar.
type PrivateKey [KeySize]byte

// String returns the hex encoding of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Fingerprint is the short printable identity of a public key.
func (k PublicKey) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:10])
}

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool {
	var zero PublicKey
	return k == zero
}

// ParsePublicKey decodes a hex encoded X25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pub PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("crypto: decode public key: %w", err)
	}
	if len(b) != KeySize {
		return pub, ErrInvalidKey
	}
	copy(pub[:], b)
	return pub, nil
}

// ParsePrivateKey decodes a hex encoded X25519 private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var priv PrivateKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return priv, fmt.Errorf("crypto: decode private key: %w", err)
	}
	defer Wipe(b)
	if len(b) != KeySize {
		return priv, ErrInvalidKey
	}
	copy(priv[:], b)
	clamp(&priv)
	return priv, nil
}

func clamp(k *PrivateKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// GenerateKeyPair generates a new X25519 key pair.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	var pub PublicKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	clamp(&priv)
	pub, err := GetPublicKey(priv)
	if err != nil {
		return priv, pub, err
	}
	return priv, pub, nil
}

// GetPublicKey derives the public key from the private key.
func GetPublicKey(priv PrivateKey) (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// ComputeSharedSecret computes the X25519 shared secret. Low-order peer keys
// that would produce an all-zero secret are rejected.
func ComputeSharedSecret(priv PrivateKey, peer PublicKey) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, ErrWeakPublicKey
	}
	return out, nil
}

// DeriveKeys uses HKDF-SHA256 to expand secret into length bytes.
func DeriveKeys(secret, salt []byte, info string, length int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 and appends the result to dst.
func Encrypt(dst, key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	return aead.Seal(dst, nonce, plaintext, additionalData), nil
}

// Decrypt opens ciphertext with ChaCha20-Poly1305 and appends the plaintext to dst.
func Decrypt(dst, key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	return aead.Open(dst, nonce, ciphertext, additionalData)
}

// ConstructNonce builds the 96-bit nonce as salt XOR counter, with the counter
// aligned to the last 8 bytes.
func ConstructNonce(salt []byte, counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, salt)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= ctr[i]
	}
	return nonce
}

// RandomBytes generates n random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomUint64 returns a uniformly random 64-bit value.
func RandomUint64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("crypto: random source failed: %v", err))
	}
	return binary.BigEndian.Uint64(b[:])
}
