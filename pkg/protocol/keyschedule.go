package protocol

import (
	"encoding/hex"
	"time"

	"meshlink/pkg/crypto"
)

// symmetricState is the running chaining key and transcript hash of a
// handshake or rekey exchange. Every key produced by mixKey is used for
// exactly one AEAD operation, so a zero nonce is sufficient.
type symmetricState struct {
	ck []byte
	h  []byte
}

func newSymmetricState() *symmetricState {
	h := crypto.Hash([]byte(protocolName))
	ck := make([]byte, len(h))
	copy(ck, h)
	return &symmetricState{ck: ck, h: h}
}

// newRekeyState chains a rekey exchange from the ratchet key of prev.
func newRekeyState(prev *KeyGeneration) (*symmetricState, error) {
	ck, err := crypto.DeriveKeys(prev.ratchetKey.Bytes(), nil, labelRekeyChain, KeySize)
	if err != nil {
		return nil, err
	}
	return &symmetricState{
		ck: ck,
		h:  crypto.Hash([]byte(protocolName), []byte(prev.fingerprint)),
	}, nil
}

func (s *symmetricState) clone() *symmetricState {
	c := &symmetricState{
		ck: make([]byte, len(s.ck)),
		h:  make([]byte, len(s.h)),
	}
	copy(c.ck, s.ck)
	copy(c.h, s.h)
	return c
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = crypto.Hash(s.h, data)
}

// mixKey folds ikm into the chaining key and returns a one-shot cipher key.
// ikm is wiped.
func (s *symmetricState) mixKey(ikm []byte) ([]byte, error) {
	defer crypto.Wipe(ikm)
	out, err := crypto.DeriveKeys(ikm, s.ck, labelHandshakeChain, 2*KeySize)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(s.ck)
	s.ck = out[:KeySize]
	return out[KeySize:], nil
}

// mixKeyAndHash is used for the pre-shared key: the chaining key, the
// transcript and a one-shot cipher key all depend on it.
func (s *symmetricState) mixKeyAndHash(ikm []byte) ([]byte, error) {
	out, err := crypto.DeriveKeys(ikm, s.ck, labelHandshakeChain, 3*KeySize)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(s.ck)
	s.ck = out[:KeySize]
	s.mixHash(out[KeySize : 2*KeySize])
	crypto.Wipe(out[KeySize : 2*KeySize])
	return out[2*KeySize:], nil
}

func (s *symmetricState) encryptAndHash(k, plaintext []byte) ([]byte, error) {
	defer crypto.Wipe(k)
	ct, err := crypto.Encrypt(nil, k, make([]byte, NonceSize), plaintext, s.h)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(k, ciphertext []byte) ([]byte, error) {
	defer crypto.Wipe(k)
	pt, err := crypto.Decrypt(nil, k, make([]byte, NonceSize), ciphertext, s.h)
	if err != nil {
		return nil, errAuthFailed
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) destroy() {
	if s == nil {
		return
	}
	crypto.Wipe(s.ck)
	crypto.Wipe(s.h)
}

// KeyGeneration is one set of transport keys together with the counter state
// used under it. Key material never changes after derivation.
type KeyGeneration struct {
	index       uint64
	postQuantum bool
	initiator   bool
	created     time.Time
	fingerprint string

	sendKey    *crypto.Secret
	recvKey    *crypto.Secret
	sendSalt   []byte
	recvSalt   []byte
	ratchetKey *crypto.Secret

	sendCounter uint64
	sent        uint64
	window      CounterWindow

	// confirmed is set once the peer has proven it holds this generation.
	confirmed     bool
	confirmSentAt time.Time
}

// deriveKeyGeneration splits the final handshake state into directional
// transport keys, nonce salts and the ratchet key for the next rekey.
func deriveKeyGeneration(s *symmetricState, initiator bool, index uint64, postQuantum bool, initialCounter uint64, now time.Time) (*KeyGeneration, error) {
	// i->r key (32), r->i key (32), i->r salt (12), r->i salt (12), ratchet (32)
	keyMat, err := crypto.DeriveKeys(s.ck, s.h, labelTransportKeys, 2*KeySize+2*NonceSize+KeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(keyMat)
	s.destroy()

	i2r := keyMat[0:32]
	r2i := keyMat[32:64]
	saltI := append([]byte(nil), keyMat[64:76]...)
	saltR := append([]byte(nil), keyMat[76:88]...)
	ratchet := keyMat[88:120]

	fp := crypto.Hash(ratchet)
	g := &KeyGeneration{
		index:       index,
		postQuantum: postQuantum,
		initiator:   initiator,
		created:     now,
		fingerprint: hex.EncodeToString(fp[:16]),
		ratchetKey:  crypto.NewSecret(ratchet),
		sendCounter: initialCounter,
	}
	if initiator {
		g.sendKey, g.recvKey = crypto.NewSecret(i2r), crypto.NewSecret(r2i)
		g.sendSalt, g.recvSalt = saltI, saltR
	} else {
		g.sendKey, g.recvKey = crypto.NewSecret(r2i), crypto.NewSecret(i2r)
		g.sendSalt, g.recvSalt = saltR, saltI
	}
	g.window.ResetForNewKeyOffer()
	return g, nil
}

// seal encrypts plaintext under the next send counter.
func (g *KeyGeneration) seal(sid SessionId, t PacketType, plaintext []byte) (uint64, []byte, error) {
	g.sendCounter++
	g.sent++
	counter := g.sendCounter
	nonce := crypto.ConstructNonce(g.sendSalt, counter)
	ct, err := crypto.Encrypt(nil, g.sendKey.Bytes(), nonce, plaintext, messageAAD(sid, t, counter))
	if err != nil {
		return 0, nil, err
	}
	return counter, ct, nil
}

// open authenticates and decrypts a message. It does not touch the window.
func (g *KeyGeneration) open(sid SessionId, t PacketType, counter uint64, ciphertext []byte) ([]byte, error) {
	nonce := crypto.ConstructNonce(g.recvSalt, counter)
	pt, err := crypto.Decrypt(nil, g.recvKey.Bytes(), nonce, ciphertext, messageAAD(sid, t, counter))
	if err != nil {
		return nil, errAuthFailed
	}
	return pt, nil
}

// Fingerprint identifies the generation; both peers compute the same value.
func (g *KeyGeneration) Fingerprint() string {
	return g.fingerprint
}

// Index is the ratchet index: 0 for the initial handshake, +1 per rekey.
func (g *KeyGeneration) Index() uint64 {
	return g.index
}

func (g *KeyGeneration) destroy() {
	if g == nil {
		return
	}
	g.sendKey.Destroy()
	g.recvKey.Destroy()
	g.ratchetKey.Destroy()
	crypto.Wipe(g.sendSalt)
	crypto.Wipe(g.recvSalt)
}
