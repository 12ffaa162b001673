package protocol

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"net"
	"time"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
)

// Handshake message bodies (after the 20-byte header):
//
//	Init:      [id_i 8][flags 1][e_i 32][kem pk 1568]?[enc s_i 48][enc ts 28][mac1 16]
//	Ack:       [id_r 8][flags 1][e_r 32][enc kem ct 1584]?[enc empty 16]
//	RekeyInit: [flags 1][e_i 32][kem pk 1568]?          (inside the session AEAD)
//	RekeyAck:  [flags 1][e_r 32][kem ct 1568]?          (inside the session AEAD)
const (
	initFixedSize      = 8 + 1 + KeySize + (KeySize + TagSize) + (TimestampSize + TagSize) + MACSize
	ackFixedSize       = 8 + 1 + KeySize + TagSize
	rekeyFixedSize     = 1 + KeySize
	encKEMCiphertextSz = crypto.KEMCiphertextSize + TagSize

	maxInitSize = initFixedSize + crypto.KEMPublicKeySize
)

// offer is one side's outstanding key exchange proposal.
type offer struct {
	ephemeralPriv crypto.PrivateKey
	ephemeralPub  crypto.PublicKey
	kem           *crypto.KEMKeyPair
	state         *symmetricState
	body          []byte
	sentAt        time.Time
}

func newOffer(postQuantum bool) (*offer, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	o := &offer{ephemeralPriv: priv, ephemeralPub: pub}
	if postQuantum {
		if o.kem, err = crypto.GenerateKEMKeyPair(); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ackSize is the exact Ack body length that answers this offer.
func (o *offer) ackSize() int {
	if o.kem != nil {
		return ackFixedSize + encKEMCiphertextSz
	}
	return ackFixedSize
}

func (o *offer) destroy() {
	if o == nil {
		return
	}
	crypto.Wipe(o.ephemeralPriv[:])
	o.kem.Destroy()
	o.state.destroy()
}

// rekeyAnswer remembers the last accepted rekey offer so that a retransmitted
// offer gets the same answer rather than a second, conflicting key.
type rekeyAnswer struct {
	peerEphemeral []byte
	body          []byte
}

func encodeTimestamp(now time.Time) []byte {
	ts := make([]byte, TimestampSize)
	binary.BigEndian.PutUint64(ts[0:8], uint64(now.Unix()))
	binary.BigEndian.PutUint32(ts[8:12], uint32(now.Nanosecond()))
	return ts
}

func flagsFor(postQuantum bool) byte {
	if postQuantum {
		return FlagPostQuantum
	}
	return 0
}

// sendInit builds a fresh Init with new ephemeral keys, replacing any earlier offer.
func (s *Session) sendInit(local *Identity, transmit TransmitFunc, mtuBuffer []byte, now time.Time) error {
	o, err := newOffer(s.postQuantum)
	if err != nil {
		return err
	}

	st := newSymmetricState()
	st.mixHash(s.remote[:])

	body := make([]byte, 0, initFixedSize+crypto.KEMPublicKeySize)
	body = binary.BigEndian.AppendUint64(body, uint64(s.id))
	body = append(body, flagsFor(s.postQuantum))
	st.mixHash(body[:9])

	body = append(body, o.ephemeralPub[:]...)
	st.mixHash(o.ephemeralPub[:])
	if o.kem != nil {
		body = append(body, o.kem.Public...)
		st.mixHash(o.kem.Public)
	}

	es, err := crypto.ComputeSharedSecret(o.ephemeralPriv, s.remote)
	if err != nil {
		o.destroy()
		return err
	}
	k, err := st.mixKey(es)
	if err != nil {
		o.destroy()
		return err
	}
	encStatic, err := st.encryptAndHash(k, local.Public[:])
	if err != nil {
		o.destroy()
		return err
	}
	body = append(body, encStatic...)

	ss, err := crypto.ComputeSharedSecret(local.Private, s.remote)
	if err != nil {
		o.destroy()
		return err
	}
	if k, err = st.mixKey(ss); err != nil {
		o.destroy()
		return err
	}
	encTS, err := st.encryptAndHash(k, encodeTimestamp(now))
	if err != nil {
		o.destroy()
		return err
	}
	body = append(body, encTS...)

	counter := crypto.RandomUint64() | 1
	body = append(body, crypto.MAC(mac1Key(s.remote), messageAAD(0, PacketInit, counter), body)...)

	if fragmentCount(len(body), len(mtuBuffer)) > MaxFragments {
		o.destroy()
		return ErrMessageTooLarge
	}

	o.state = st
	o.sentAt = now
	s.offer.destroy()
	s.offer = o
	sendFragmented(transmit, mtuBuffer, Header{Type: PacketInit, Counter: counter}, body)
	return nil
}

// processInit authenticates an Init on the responder side and, if the host
// admits the initiator, answers with an Ack and parks a half-open session.
func (rc *ReceiveContext) processInit(host Host, remote net.Addr, transmit TransmitFunc, scratch []byte, counter uint64, body []byte, now time.Time) error {
	if len(body) < initFixedSize {
		return errMalformedHandshake
	}
	postQuantum := body[8]&FlagPostQuantum != 0
	want := initFixedSize
	if postQuantum {
		want += crypto.KEMPublicKeySize
	}
	if len(body) != want || body[8]&^FlagPostQuantum != 0 {
		return errMalformedHandshake
	}

	local := host.LocalIdentity()
	macOff := len(body) - MACSize
	mac := crypto.MAC(local.mac1Key, messageAAD(0, PacketInit, counter), body[:macOff])
	if subtle.ConstantTimeCompare(mac, body[macOff:]) != 1 {
		return errBadMAC
	}

	if !host.CheckNewSession(rc, remote) {
		return errAdmissionDenied
	}
	if !rc.handshakes.TryAcquire(1) {
		return errHandshakeBusy
	}
	defer rc.handshakes.Release(1)

	initiatorID := SessionId(binary.BigEndian.Uint64(body[0:8]))
	if initiatorID == 0 {
		return errMalformedHandshake
	}

	st := newSymmetricState()
	st.mixHash(local.Public[:])
	st.mixHash(body[:9])
	off := 9

	var peerEphemeral crypto.PublicKey
	copy(peerEphemeral[:], body[off:off+KeySize])
	st.mixHash(peerEphemeral[:])
	off += KeySize

	var kemPublic []byte
	if postQuantum {
		kemPublic = body[off : off+crypto.KEMPublicKeySize]
		st.mixHash(kemPublic)
		off += crypto.KEMPublicKeySize
	}

	es, err := crypto.ComputeSharedSecret(local.Private, peerEphemeral)
	if err != nil {
		return errHandshakeCrypto
	}
	k, err := st.mixKey(es)
	if err != nil {
		return errHandshakeCrypto
	}
	staticPlain, err := st.decryptAndHash(k, body[off:off+KeySize+TagSize])
	if err != nil {
		return err
	}
	off += KeySize + TagSize
	var initiator crypto.PublicKey
	copy(initiator[:], staticPlain)

	ss, err := crypto.ComputeSharedSecret(local.Private, initiator)
	if err != nil {
		return errHandshakeCrypto
	}
	if k, err = st.mixKey(ss); err != nil {
		return errHandshakeCrypto
	}
	ts, err := st.decryptAndHash(k, body[off:off+TimestampSize+TagSize])
	if err != nil {
		return err
	}

	if err := rc.recordTimestamp(initiator.String(), ts); err != nil {
		return err
	}
	if rc.halfOpenFull(initiator) {
		return errHalfOpenFull
	}

	decision := host.AcceptNewSession(rc, remote, initiator)
	if !decision.Accept {
		return errDeclined
	}
	if decision.ID == 0 || len(decision.PSK) != PSKSize {
		logger.Warn("Host returned an unusable session for %s (id %s, psk %d bytes)", initiator.Fingerprint(), decision.ID, len(decision.PSK))
		return errDeclined
	}

	// Ack
	ephPriv, ephPub, err := crypto.GenerateKeyPair()
	if err != nil {
		return errHandshakeCrypto
	}
	defer crypto.Wipe(ephPriv[:])

	ack := make([]byte, 0, ackFixedSize+encKEMCiphertextSz)
	ack = binary.BigEndian.AppendUint64(ack, uint64(decision.ID))
	ack = append(ack, flagsFor(postQuantum))
	st.mixHash(ack[:9])
	ack = append(ack, ephPub[:]...)
	st.mixHash(ephPub[:])

	ee, err := crypto.ComputeSharedSecret(ephPriv, peerEphemeral)
	if err != nil {
		return errHandshakeCrypto
	}
	if k, err = st.mixKey(ee); err != nil {
		return errHandshakeCrypto
	}
	crypto.Wipe(k)
	se, err := crypto.ComputeSharedSecret(ephPriv, initiator)
	if err != nil {
		return errHandshakeCrypto
	}
	if k, err = st.mixKey(se); err != nil {
		return errHandshakeCrypto
	}
	if postQuantum {
		ct, kemSecret, err := crypto.KEMEncapsulate(kemPublic)
		if err != nil {
			crypto.Wipe(k)
			return errHandshakeCrypto
		}
		encCT, err := st.encryptAndHash(k, ct)
		if err != nil {
			return errHandshakeCrypto
		}
		ack = append(ack, encCT...)
		if k, err = st.mixKey(kemSecret); err != nil {
			return errHandshakeCrypto
		}
	}
	crypto.Wipe(k)
	if k, err = st.mixKeyAndHash(decision.PSK); err != nil {
		return errHandshakeCrypto
	}
	confirm, err := st.encryptAndHash(k, nil)
	if err != nil {
		return errHandshakeCrypto
	}
	ack = append(ack, confirm...)

	gen, err := deriveKeyGeneration(st, false, 0, postQuantum, 0, now)
	if err != nil {
		return errHandshakeCrypto
	}

	sess := newSession(decision.ID, RoleResponder, initiator, decision.PSK, decision.AppData, rc.cfg, len(scratch), postQuantum, now)
	sess.remoteID = initiatorID
	sess.current = gen
	gen.confirmed = false
	if err := rc.addHalfOpen(sess); err != nil {
		sess.Close()
		return err
	}

	sendFragmented(transmit, scratch, Header{SessionID: initiatorID, Type: PacketAck, Counter: crypto.RandomUint64() | 1}, ack)
	logger.Debug("Answered handshake from %s (%s) as session %s", initiator.Fingerprint(), remote, decision.ID)
	return nil
}

// processAck completes the initial handshake on the initiator side.
func (s *Session) processAck(host Host, transmit TransmitFunc, scratch []byte, body []byte, now time.Time) error {
	o := s.offer
	if o == nil || s.established {
		return errNoOffer
	}
	postQuantum := o.kem != nil
	want := ackFixedSize
	if postQuantum {
		want += encKEMCiphertextSz
	}
	if len(body) != want || body[8] != flagsFor(postQuantum) {
		return errMalformedHandshake
	}
	responderID := SessionId(binary.BigEndian.Uint64(body[0:8]))
	if responderID == 0 {
		return errMalformedHandshake
	}

	// a forged Ack must not disturb the offer
	st := o.state.clone()
	st.mixHash(body[:9])
	var peerEphemeral crypto.PublicKey
	copy(peerEphemeral[:], body[9:9+KeySize])
	st.mixHash(peerEphemeral[:])
	off := 9 + KeySize

	local := host.LocalIdentity()
	ee, err := crypto.ComputeSharedSecret(o.ephemeralPriv, peerEphemeral)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	k, err := st.mixKey(ee)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	crypto.Wipe(k)
	se, err := crypto.ComputeSharedSecret(local.Private, peerEphemeral)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	if k, err = st.mixKey(se); err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	if postQuantum {
		ct, err := st.decryptAndHash(k, body[off:off+encKEMCiphertextSz])
		if err != nil {
			st.destroy()
			return err
		}
		off += encKEMCiphertextSz
		kemSecret, err := o.kem.Decapsulate(ct)
		if err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
		if k, err = st.mixKey(kemSecret); err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
	}
	crypto.Wipe(k)
	if k, err = st.mixKeyAndHash(s.psk.Bytes()); err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	if _, err := st.decryptAndHash(k, body[off:off+TagSize]); err != nil {
		st.destroy()
		return err
	}

	gen, err := deriveKeyGeneration(st, true, 0, postQuantum, s.initialCounter, now)
	if err != nil {
		return errHandshakeCrypto
	}
	s.remoteID = responderID
	s.current = gen
	s.established = true
	s.offer.destroy()
	s.offer = nil
	s.lastActivity = now

	s.sendControl(transmit, scratch, gen, PacketConfirm, nil)
	gen.confirmSentAt = now
	logger.Debug("Session %s: established with %s", s.id, s.remoteFP)
	return nil
}

// startRekey offers fresh ephemeral (and KEM) keys inside the current session.
func (s *Session) startRekey(transmit TransmitFunc, mtuBuffer []byte, now time.Time) error {
	o, err := newOffer(s.postQuantum)
	if err != nil {
		return err
	}
	body := make([]byte, 0, rekeyFixedSize+crypto.KEMPublicKeySize)
	body = append(body, flagsFor(s.postQuantum))
	body = append(body, o.ephemeralPub[:]...)
	if o.kem != nil {
		body = append(body, o.kem.Public...)
	}
	if err := s.sendMessage(transmit, mtuBuffer, s.current, PacketRekeyInit, body); err != nil {
		o.destroy()
		return err
	}
	o.body = body
	o.sentAt = now
	s.rekeyOffer = o
	logger.Debug("Session %s: starting rekey from generation %d", s.id, s.current.index)
	return nil
}

func parseRekeyBody(body []byte, kemLen int) (bool, crypto.PublicKey, []byte, error) {
	var eph crypto.PublicKey
	if len(body) < rekeyFixedSize || body[0]&^FlagPostQuantum != 0 {
		return false, eph, nil, errMalformedHandshake
	}
	postQuantum := body[0]&FlagPostQuantum != 0
	want := rekeyFixedSize
	if postQuantum {
		want += kemLen
	}
	if len(body) != want {
		return false, eph, nil, errMalformedHandshake
	}
	copy(eph[:], body[1:1+KeySize])
	return postQuantum, eph, body[rekeyFixedSize:], nil
}

// processRekeyInit answers a peer's rekey offer. The new generation is held
// as next until the peer uses it.
func (s *Session) processRekeyInit(host Host, transmit TransmitFunc, scratch []byte, gen *KeyGeneration, body []byte, now time.Time) error {
	postQuantum, peerEphemeral, kemPublic, err := parseRekeyBody(body, crypto.KEMPublicKeySize)
	if err != nil {
		return err
	}

	if a := s.rekeyAnswer; a != nil && bytes.Equal(a.peerEphemeral, peerEphemeral[:]) {
		s.sendControl(transmit, scratch, s.current, PacketRekeyAck, a.body)
		return nil
	}
	if gen != s.current {
		return errUnexpectedPacket
	}
	if !s.lastRekeyAccepted.IsZero() && now.Sub(s.lastRekeyAccepted) < host.RekeyRateLimit() {
		return errRateLimited
	}
	if s.rekeyOffer != nil {
		if s.role == RoleInitiator {
			return errRekeyCollision
		}
		s.rekeyOffer.destroy()
		s.rekeyOffer = nil
	}

	st, err := newRekeyState(s.current)
	if err != nil {
		return errHandshakeCrypto
	}
	st.mixHash(peerEphemeral[:])
	if postQuantum {
		st.mixHash(kemPublic)
	}

	ephPriv, ephPub, err := crypto.GenerateKeyPair()
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	defer crypto.Wipe(ephPriv[:])
	st.mixHash(ephPub[:])

	ack := make([]byte, 0, rekeyFixedSize+crypto.KEMCiphertextSize)
	ack = append(ack, flagsFor(postQuantum))
	ack = append(ack, ephPub[:]...)

	ee, err := crypto.ComputeSharedSecret(ephPriv, peerEphemeral)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	k, err := st.mixKey(ee)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	crypto.Wipe(k)
	if postQuantum {
		ct, kemSecret, err := crypto.KEMEncapsulate(kemPublic)
		if err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
		st.mixHash(ct)
		ack = append(ack, ct...)
		if k, err = st.mixKey(kemSecret); err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
		crypto.Wipe(k)
	}
	if k, err = st.mixKey(append([]byte(nil), s.psk.Bytes()...)); err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	crypto.Wipe(k)

	next, err := deriveKeyGeneration(st, false, s.current.index+1, postQuantum, 0, now)
	if err != nil {
		return errHandshakeCrypto
	}
	s.next.destroy()
	s.next = next
	s.rekeyAnswer = &rekeyAnswer{peerEphemeral: append([]byte(nil), peerEphemeral[:]...), body: ack}
	s.lastRekeyAccepted = now

	s.sendControl(transmit, scratch, s.current, PacketRekeyAck, ack)
	return nil
}

// processRekeyAck finishes our rekey offer and switches to the new generation.
func (s *Session) processRekeyAck(transmit TransmitFunc, scratch []byte, body []byte, now time.Time) error {
	o := s.rekeyOffer
	if o == nil {
		return errNoOffer
	}
	postQuantum, peerEphemeral, ct, err := parseRekeyBody(body, crypto.KEMCiphertextSize)
	if err != nil {
		return err
	}
	if postQuantum != (o.kem != nil) {
		return errMalformedHandshake
	}

	st, err := newRekeyState(s.current)
	if err != nil {
		return errHandshakeCrypto
	}
	st.mixHash(o.ephemeralPub[:])
	if o.kem != nil {
		st.mixHash(o.kem.Public)
	}
	st.mixHash(peerEphemeral[:])

	ee, err := crypto.ComputeSharedSecret(o.ephemeralPriv, peerEphemeral)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	k, err := st.mixKey(ee)
	if err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	crypto.Wipe(k)
	if postQuantum {
		st.mixHash(ct)
		kemSecret, err := o.kem.Decapsulate(ct)
		if err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
		if k, err = st.mixKey(kemSecret); err != nil {
			st.destroy()
			return errHandshakeCrypto
		}
		crypto.Wipe(k)
	}
	if k, err = st.mixKey(append([]byte(nil), s.psk.Bytes()...)); err != nil {
		st.destroy()
		return errHandshakeCrypto
	}
	crypto.Wipe(k)

	gen, err := deriveKeyGeneration(st, true, s.current.index+1, postQuantum, 0, now)
	if err != nil {
		return errHandshakeCrypto
	}
	o.destroy()
	s.rekeyOffer = nil
	s.promote(gen, now)

	s.sendControl(transmit, scratch, gen, PacketConfirm, nil)
	gen.confirmSentAt = now
	return nil
}
