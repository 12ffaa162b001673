package protocol

import (
	"sync"
	"time"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
)

// Role of this side in the initial handshake.
const (
	RoleInitiator = iota
	RoleResponder
)

// Session is an authenticated channel with one remote identity.
//
// All methods are safe for concurrent use. A single mutex serializes send,
// receive and service so that transmit callbacks see counters in order;
// transmit must not call back into the same Session.
type Session struct {
	mu sync.Mutex

	id          SessionId
	remoteID    SessionId
	role        int
	remote      crypto.PublicKey
	remoteFP    string
	psk         *crypto.Secret
	appData     any
	cfg         Config
	mtu         int
	postQuantum bool
	created     time.Time

	established bool
	closed      bool

	// initial handshake offer (initiator only, until established)
	offer          *offer
	initialCounter uint64

	current  *KeyGeneration
	previous *KeyGeneration
	next     *KeyGeneration

	previousExpiry time.Time

	rekeyOffer        *offer
	rekeyAnswer       *rekeyAnswer
	lastRekeyAccepted time.Time

	frag         *reassembler
	lastActivity time.Time
}

func newSession(id SessionId, role int, remote crypto.PublicKey, psk []byte, appData any, cfg Config, mtu int, postQuantum bool, now time.Time) *Session {
	return &Session{
		id:           id,
		role:         role,
		remote:       remote,
		remoteFP:     remote.Fingerprint(),
		psk:          crypto.NewSecret(append([]byte(nil), psk...)),
		appData:      appData,
		cfg:          cfg,
		mtu:          mtu,
		postQuantum:  postQuantum,
		created:      now,
		frag:         newReassembler(cfg.MaxPartialMessages, cfg.MaxReassemblyBytes),
		lastActivity: now,
	}
}

// ID returns the local session id.
func (s *Session) ID() SessionId {
	return s.id
}

// RemoteIdentity returns the peer's long-term public key.
func (s *Session) RemoteIdentity() crypto.PublicKey {
	return s.remote
}

// AppData returns the opaque value the application attached to the session.
func (s *Session) AppData() any {
	return s.appData
}

// Role reports whether this side initiated the session.
func (s *Session) Role() int {
	return s.role
}

// Established reports whether the session can carry application data.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established && !s.closed
}

// LastActivity returns the time the last authenticated packet was received.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status is a point-in-time snapshot of a session's key state.
type Status struct {
	ID                  SessionId
	RemoteID            SessionId
	RemoteFingerprint   string
	Established         bool
	RatchetIndex        uint64
	KeyFingerprint      string
	PostQuantum         bool
	RekeyPending        bool
	PreviousKeyRetained bool
	LastActivity        time.Time
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:                  s.id,
		RemoteID:            s.remoteID,
		RemoteFingerprint:   s.remoteFP,
		Established:         s.established && !s.closed,
		RekeyPending:        s.rekeyOffer != nil || s.next != nil,
		PreviousKeyRetained: s.previous != nil,
		LastActivity:        s.lastActivity,
	}
	if s.current != nil {
		st.RatchetIndex = s.current.index
		st.KeyFingerprint = s.current.fingerprint
		st.PostQuantum = s.current.postQuantum
	}
	return st
}

// Send encrypts plaintext under the current key generation and hands one or
// more fragments, each at most len(mtuBuffer) bytes, to transmit. On error
// nothing is transmitted.
func (s *Session) Send(transmit TransmitFunc, mtuBuffer []byte, plaintext []byte) error {
	if len(mtuBuffer) < MinMTU || len(mtuBuffer) > MaxMTU {
		return ErrInvalidMTU
	}
	if len(plaintext)+TagSize > MaxFragments*(MaxMTU-HeaderSize) {
		return ErrMessageTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.established {
		return ErrNotEstablished
	}
	return s.sendMessage(transmit, mtuBuffer, s.current, PacketData, plaintext)
}

// sendMessage encrypts and fragments one message under gen. Only data counts
// against RejectAfterUses, so an exhausted generation can still be rekeyed.
func (s *Session) sendMessage(transmit TransmitFunc, mtuBuffer []byte, gen *KeyGeneration, t PacketType, plaintext []byte) error {
	if fragmentCount(len(plaintext)+TagSize, len(mtuBuffer)) > MaxFragments {
		return ErrMessageTooLarge
	}
	if t == PacketData && gen.sent >= s.cfg.RejectAfterUses {
		return ErrKeyExhausted
	}
	counter, ct, err := gen.seal(s.remoteID, t, plaintext)
	if err != nil {
		return err
	}
	sendFragmented(transmit, mtuBuffer, Header{SessionID: s.remoteID, Type: t, Counter: counter}, ct)
	return nil
}

func (s *Session) sendControl(transmit TransmitFunc, mtuBuffer []byte, gen *KeyGeneration, t PacketType, body []byte) {
	if err := s.sendMessage(transmit, mtuBuffer, gen, t, body); err != nil {
		logger.Debug("Session %s: failed to send %s: %v", s.id, t, err)
	}
}

// Service performs time-driven work: retransmitting handshake messages,
// starting rekeys, retiring the previous key generation and dropping stale
// partial messages. forceRekey starts a rekey now if one can be started.
func (s *Session) Service(host Host, transmit TransmitFunc, now time.Time, forceRekey bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.frag.expire(now, s.cfg.FragmentTimeout)
	buf := make([]byte, s.mtu)

	if !s.established {
		if s.role == RoleInitiator && s.offer != nil && now.Sub(s.offer.sentAt) >= s.cfg.HandshakeRetryInterval {
			logger.Debug("Session %s: retrying handshake with %s", s.id, s.remoteFP)
			if err := s.sendInit(host.LocalIdentity(), transmit, buf, now); err != nil {
				logger.Warn("Session %s: handshake retry failed: %v", s.id, err)
			}
		}
		return
	}

	if s.previous != nil && !now.Before(s.previousExpiry) {
		s.previous.destroy()
		s.previous = nil
	}

	cur := s.current
	if !cur.confirmed {
		if !cur.confirmSentAt.IsZero() && now.Sub(cur.confirmSentAt) >= s.cfg.HandshakeRetryInterval {
			s.sendControl(transmit, buf, cur, PacketConfirm, nil)
			cur.confirmSentAt = now
		}
		return
	}

	if s.rekeyOffer != nil {
		if now.Sub(s.rekeyOffer.sentAt) >= s.cfg.HandshakeRetryInterval {
			s.sendControl(transmit, buf, cur, PacketRekeyInit, s.rekeyOffer.body)
			s.rekeyOffer.sentAt = now
		}
		return
	}

	if s.next != nil {
		return
	}
	if forceRekey || cur.sent >= s.cfg.RekeyAfterUses || now.Sub(cur.created) >= s.cfg.RekeyAfterTime {
		if err := s.startRekey(transmit, buf, now); err != nil {
			logger.Warn("Session %s: rekey failed: %v", s.id, err)
		}
	}
}

// promote makes gen the current generation and keeps the old one for the
// grace period.
func (s *Session) promote(gen *KeyGeneration, now time.Time) {
	if s.previous != nil {
		s.previous.destroy()
	}
	s.previous = s.current
	s.previousExpiry = now.Add(s.cfg.KeyGracePeriod)
	s.current = gen
	s.rekeyAnswer = nil
	logger.Debug("Session %s: key generation %d active (%s)", s.id, gen.index, gen.fingerprint)
}

// counterPlausible is the cheap pre-filter applied to every fragment before
// reassembly and authentication.
func (s *Session) counterPlausible(counter uint64, now time.Time) bool {
	ok := false
	for _, g := range s.generations(now) {
		if g.window.MessageReceived(counter) {
			ok = true
		}
	}
	return ok
}

// generations lists the generations a received message may be under, newest
// trusted first.
func (s *Session) generations(now time.Time) []*KeyGeneration {
	gens := make([]*KeyGeneration, 0, 3)
	if s.current != nil {
		gens = append(gens, s.current)
	}
	if s.next != nil {
		gens = append(gens, s.next)
	}
	if s.previous != nil && now.Before(s.previousExpiry) {
		gens = append(gens, s.previous)
	}
	return gens
}

// receive handles one datagram routed to this session.
func (s *Session) receive(rc *ReceiveContext, host Host, transmit TransmitFunc, scratch []byte, hdr Header, payload []byte, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, errSessionClosedRemote
	}

	switch hdr.Type {
	case PacketInit:
		return Result{}, errUnexpectedPacket
	case PacketAck:
		if s.offer == nil || s.established {
			return Result{}, errNoOffer
		}
		msg, err := s.frag.add(hdr, payload, s.offer.ackSize(), now)
		if err == errPartialMessage {
			return Result{Kind: ResultOk}, nil
		}
		if err != nil {
			return Result{}, err
		}
		if err := s.processAck(host, transmit, scratch, msg, now); err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultOk}, nil
	}

	if s.current == nil || !s.counterPlausible(hdr.Counter, now) {
		return Result{}, errReplay
	}
	msg, err := s.frag.add(hdr, payload, maxMessageSize(len(scratch)), now)
	if err == errPartialMessage {
		return Result{Kind: ResultOk}, nil
	}
	if err != nil {
		return Result{}, err
	}

	var gen *KeyGeneration
	var pt []byte
	for _, g := range s.generations(now) {
		if pt, err = g.open(hdr.SessionID, hdr.Type, hdr.Counter, msg); err == nil {
			gen = g
			break
		}
	}
	if gen == nil {
		return Result{}, errAuthFailed
	}
	if !s.established && hdr.Type != PacketConfirm {
		return Result{}, errNotEstablishedRecv
	}
	if !gen.window.MessageAuthenticated(hdr.Counter) {
		return Result{}, errReplay
	}

	s.lastActivity = now
	gen.confirmed = true
	if gen == s.next {
		s.next = nil
		s.promote(gen, now)
	}

	switch hdr.Type {
	case PacketData:
		return Result{Kind: ResultData, Data: pt, Session: s}, nil
	case PacketNop:
		return Result{Kind: ResultOk}, nil
	case PacketConfirm:
		s.sendControl(transmit, scratch, gen, PacketNop, nil)
		if !s.established {
			s.established = true
			rc.completeHalfOpen(s)
			logger.Debug("Session %s: established with %s", s.id, s.remoteFP)
			return Result{Kind: ResultNewSession, Session: s}, nil
		}
		return Result{Kind: ResultOk}, nil
	case PacketRekeyInit:
		if err := s.processRekeyInit(host, transmit, scratch, gen, pt, now); err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultOk}, nil
	case PacketRekeyAck:
		if err := s.processRekeyAck(transmit, scratch, pt, now); err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultOk}, nil
	}
	return Result{}, errUnexpectedPacket
}

// Close destroys all key material. The session ignores all further traffic.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.offer.destroy()
	s.offer = nil
	s.rekeyOffer.destroy()
	s.rekeyOffer = nil
	s.rekeyAnswer = nil
	s.current.destroy()
	s.previous.destroy()
	s.next.destroy()
	s.current, s.previous, s.next = nil, nil, nil
	s.psk.Destroy()
	s.frag.clear()
}
