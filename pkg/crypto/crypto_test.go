package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgreement(t *testing.T) {
	aPriv, aPub, err := GenerateKeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := ComputeSharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := ComputeSharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestSharedSecretRejectsLowOrderKey(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	var zero PublicKey
	_, err = ComputeSharedSecret(priv, zero)
	assert.ErrorIs(t, err, ErrWeakPublicKey)
}

func TestParseKeysRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)

	_, err = ParsePublicKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidKey)

	privParsed, err := ParsePrivateKey(hex.EncodeToString(priv[:]))
	require.NoError(t, err)
	derived, err := GetPublicKey(privParsed)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestEncryptDecrypt(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	nonce := ConstructNonce(make([]byte, NonceSize), 7)
	aad := []byte("header")

	ct, err := Encrypt(nil, key, nonce, []byte("hello"), aad)
	require.NoError(t, err)
	assert.Len(t, ct, 5+TagSize)

	pt, err := Decrypt(nil, key, nonce, ct, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	ct[0] ^= 1
	_, err = Decrypt(nil, key, nonce, ct, aad)
	assert.Error(t, err)

	_, err = Encrypt(nil, key, nonce[:4], nil, nil)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestConstructNonceXorsCounter(t *testing.T) {
	salt := bytes.Repeat([]byte{0xff}, NonceSize)
	nonce := ConstructNonce(salt, 1)
	assert.Equal(t, byte(0xff), nonce[0])
	assert.Equal(t, byte(0xfe), nonce[NonceSize-1])
	assert.NotEqual(t, ConstructNonce(salt, 1), ConstructNonce(salt, 2))
}

func TestKEMRoundTrip(t *testing.T) {
	kp, err := GenerateKEMKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.Public, KEMPublicKeySize)

	ct, ss, err := KEMEncapsulate(kp.Public)
	require.NoError(t, err)
	assert.Len(t, ct, KEMCiphertextSize)
	assert.Len(t, ss, KEMSharedKeySize)

	got, err := kp.Decapsulate(ct)
	require.NoError(t, err)
	assert.Equal(t, ss, got)

	_, err = kp.Decapsulate(ct[:10])
	assert.ErrorIs(t, err, ErrInvalidKEMCiphertext)

	kp.Destroy()
	_, err = kp.Decapsulate(ct)
	assert.Error(t, err)
}

func TestSecretDestroyWipes(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	s := NewSecret(src)
	assert.Equal(t, []byte{0, 0, 0, 0}, src)

	held := s.Bytes()
	assert.Equal(t, []byte{1, 2, 3, 4}, held)

	s.Destroy()
	assert.Equal(t, []byte{0, 0, 0, 0}, held)
	assert.Nil(t, s.Bytes())
	assert.Equal(t, 0, s.Len())
	s.Destroy()
}

func TestHashAndMAC(t *testing.T) {
	assert.Len(t, Hash([]byte("a")), HashSize)
	assert.Equal(t, Hash([]byte("ab")), Hash([]byte("a"), []byte("b")))

	k1 := Hash([]byte("k1"))
	k2 := Hash([]byte("k2"))
	assert.Len(t, MAC(k1, []byte("m")), MACSize)
	assert.NotEqual(t, MAC(k1, []byte("m")), MAC(k2, []byte("m")))
}

func TestGenerateTLSConfig(t *testing.T) {
	cfg, err := GenerateTLSConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, []string{ALPN}, cfg.NextProtos)
}
