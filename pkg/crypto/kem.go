package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
)

const (
	KEMPublicKeySize  = 1568
	KEMCiphertextSize = 1568
	KEMSharedKeySize  = 32
)

var ErrInvalidKEMCiphertext = errors.New("crypto: invalid KEM ciphertext size")

// KEMKeyPair is an ML-KEM-1024 key pair held for the lifetime of one offer.
type KEMKeyPair struct {
	Public  []byte
	private *mlkem1024.PrivateKey
}

// GenerateKEMKeyPair generates an ML-KEM-1024 key pair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pk, sk, err := mlkem1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ML-KEM-1024 key generation: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: ML-KEM-1024 public key marshal: %w", err)
	}
	return &KEMKeyPair{Public: pub, private: sk}, nil
}

// Decapsulate recovers the shared secret from ciphertext.
func (kp *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if kp == nil || kp.private == nil {
		return nil, errors.New("crypto: KEM key pair destroyed")
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, ErrInvalidKEMCiphertext
	}
	ss := make([]byte, mlkem1024.SharedKeySize)
	kp.private.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// Destroy drops the private key.
func (kp *KEMKeyPair) Destroy() {
	if kp == nil {
		return
	}
	kp.private = nil
}

// KEMEncapsulate encapsulates a fresh shared secret to publicKey and returns
// (ciphertext, sharedSecret).
func KEMEncapsulate(publicKey []byte) ([]byte, []byte, error) {
	if len(publicKey) != KEMPublicKeySize {
		return nil, nil, fmt.Errorf("crypto: ML-KEM-1024 public key size %d", len(publicKey))
	}
	pk := new(mlkem1024.PublicKey)
	if err := pk.Unpack(publicKey); err != nil {
		return nil, nil, fmt.Errorf("crypto: ML-KEM-1024 public key unmarshal: %w", err)
	}

	ct := make([]byte, mlkem1024.CiphertextSize)
	ss := make([]byte, mlkem1024.SharedKeySize)
	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, fmt.Errorf("crypto: encapsulation seed: %w", err)
	}
	defer Wipe(seed)

	pk.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}
