package protocol

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/marusama/semaphore"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
)

const cacheCleanupInterval = time.Minute

// ReceiveContext is the entry point for inbound datagrams. It owns the
// responder-side state that exists before a session is established: half-open
// sessions awaiting Confirm, the newest Init timestamp per identity, and
// partial Init messages from unknown peers. One ReceiveContext is shared by
// all traffic of a node and is safe for concurrent use.
type ReceiveContext struct {
	cfg Config

	halfOpenMu sync.Mutex
	halfOpen   *lrucache.Cache // session id -> *Session
	byIdentity *lrucache.Cache // identity -> SessionId of its half-open session

	timestampMu  sync.Mutex
	timestamps   *lrucache.Cache // identity -> newest Init timestamp
	timestampCap int

	defragMu     sync.Mutex
	unassociated *lrucache.Cache // remote addr + counter -> *fragmentedMessage

	handshakes semaphore.Semaphore
}

// NewReceiveContext creates a ReceiveContext with the given tunables.
func NewReceiveContext(cfg Config) (*ReceiveContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ReceiveContext{
		cfg:          cfg,
		halfOpen:     lrucache.NewWithLRU(cfg.HalfOpenTimeout, cacheCleanupInterval, cfg.MaxHalfOpenSessions),
		byIdentity:   lrucache.NewWithLRU(cfg.HalfOpenTimeout, cacheCleanupInterval, cfg.MaxHalfOpenSessions),
		timestamps:   lrucache.NewWithLRU(cfg.InitTimestampWindow, cacheCleanupInterval, cfg.MaxHalfOpenSessions*4),
		timestampCap: cfg.MaxHalfOpenSessions * 4,
		unassociated: lrucache.NewWithLRU(cfg.FragmentTimeout, cacheCleanupInterval, cfg.MaxUnassociatedMessages),
		handshakes:   semaphore.New(cfg.MaxConcurrentHandshakes),
	}, nil
}

// Config returns the tunables the context was created with.
func (rc *ReceiveContext) Config() Config {
	return rc.cfg
}

// StartSession creates an initiator session towards remote and transmits the
// first handshake message. The caller must make the returned session
// reachable through host.LookupSession under id before the reply arrives.
func (rc *ReceiveContext) StartSession(host Host, transmit TransmitFunc, id SessionId, remote crypto.PublicKey, psk []byte, appData any, policy Policy, now time.Time) (*Session, error) {
	if id == 0 {
		return nil, ErrInvalidSessionId
	}
	if len(psk) != PSKSize {
		return nil, ErrInvalidPSK
	}
	if policy.MTU == 0 {
		policy.MTU = DefaultMTU
	}
	if policy.MTU < MinMTU || policy.MTU > MaxMTU {
		return nil, ErrInvalidMTU
	}
	if remote.IsZero() {
		return nil, crypto.ErrWeakPublicKey
	}

	s := newSession(id, RoleInitiator, remote, psk, appData, rc.cfg, policy.MTU, policy.PostQuantum, now)
	s.initialCounter = policy.InitialCounter

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendInit(host.LocalIdentity(), transmit, make([]byte, policy.MTU), now); err != nil {
		return nil, fmt.Errorf("protocol: start session: %w", err)
	}
	logger.Debug("Session %s: handshake started with %s", id, s.remoteFP)
	return s, nil
}

// Receive processes one inbound datagram. scratch is used to build any
// immediate replies and should hold at least mtu bytes. Network input never
// produces an error; it is either consumed or reported as ResultIgnored.
func (rc *ReceiveContext) Receive(host Host, remote net.Addr, transmit TransmitFunc, scratch []byte, datagram []byte, mtu int, now time.Time) (Result, error) {
	if mtu < MinMTU || mtu > MaxMTU {
		return Result{}, ErrInvalidMTU
	}
	if len(scratch) < mtu {
		scratch = make([]byte, mtu)
	}
	scratch = scratch[:mtu]

	hdr, payload, err := UnmarshalHeader(datagram)
	if err != nil {
		return rc.ignore(remote, hdr, err), nil
	}
	if len(datagram) > mtu {
		return rc.ignore(remote, hdr, errDatagramTooLong), nil
	}

	if hdr.SessionID == 0 {
		if hdr.Type != PacketInit {
			return rc.ignore(remote, hdr, errUnexpectedPacket), nil
		}
		body, err := rc.defragUnassociated(remote, hdr, payload, now)
		if err == errPartialMessage {
			return Result{Kind: ResultOk}, nil
		}
		if err != nil {
			return rc.ignore(remote, hdr, err), nil
		}
		if err := rc.processInit(host, remote, transmit, scratch, hdr.Counter, body, now); err != nil {
			return rc.ignore(remote, hdr, err), nil
		}
		return Result{Kind: ResultOk}, nil
	}

	s, ok := host.LookupSession(hdr.SessionID)
	if !ok {
		s, ok = rc.lookupHalfOpen(hdr.SessionID, now)
	}
	if !ok {
		return rc.ignore(remote, hdr, errUnknownSession), nil
	}
	res, err := s.receive(rc, host, transmit, scratch, hdr, payload, now)
	if err != nil {
		return rc.ignore(remote, hdr, err), nil
	}
	return res, nil
}

func (rc *ReceiveContext) ignore(remote net.Addr, hdr Header, reason error) Result {
	logger.Debug("Dropping %s packet from %s for session %s: %v", hdr.Type, remote, hdr.SessionID, reason)
	return Result{Kind: ResultIgnored}
}

func unassociatedKey(remote net.Addr, counter uint64) string {
	return fmt.Sprintf("%s|%016x", remote, counter)
}

// boundCache enforces limit on an LRU cache immediately; the cache itself only
// trims from its janitor.
func boundCache(c *lrucache.Cache, limit int) {
	if c.ItemCount() <= limit {
		return
	}
	c.DeleteExpired()
	if over := c.ItemCount() - limit; over > 0 {
		c.DeleteLRUAmount(over)
	}
}

// defragUnassociated reassembles Init messages, which arrive before any
// session exists to own the fragments. Each partial message is held to the
// size of the largest Init.
func (rc *ReceiveContext) defragUnassociated(remote net.Addr, hdr Header, payload []byte, now time.Time) ([]byte, error) {
	if int(hdr.FragmentCount) > maxFragmentsFor(maxInitSize) {
		rc.unassociated.Delete(unassociatedKey(remote, hdr.Counter))
		return nil, errFragmentBounds
	}
	if hdr.FragmentCount == 1 {
		return payload, nil
	}

	key := unassociatedKey(remote, hdr.Counter)
	rc.defragMu.Lock()
	defer rc.defragMu.Unlock()

	var m *fragmentedMessage
	if v, ok := rc.unassociated.Get(key); ok {
		m = v.(*fragmentedMessage)
		if now.Sub(m.created) > rc.cfg.FragmentTimeout {
			m = nil
		}
	}
	if m == nil {
		m = newFragmentedMessage(hdr.FragmentCount, maxInitSize, now)
		rc.unassociated.Set(key, m, 0)
		boundCache(rc.unassociated, rc.cfg.MaxUnassociatedMessages)
	}
	complete, err := m.add(hdr, payload)
	if err != nil {
		rc.unassociated.Delete(key)
		return nil, err
	}
	if !complete {
		return nil, errPartialMessage
	}
	rc.unassociated.Delete(key)
	return m.assemble(), nil
}

// recordTimestamp accepts ts as the newest Init timestamp of identity, or
// fails if it is not strictly newer than the one already seen.
func (rc *ReceiveContext) recordTimestamp(identity string, ts []byte) error {
	rc.timestampMu.Lock()
	defer rc.timestampMu.Unlock()
	if prev, ok := rc.timestamps.Get(identity); ok && bytes.Compare(ts, prev.([]byte)) <= 0 {
		return errStaleTimestamp
	}
	rc.timestamps.Set(identity, ts, 0)
	boundCache(rc.timestamps, rc.timestampCap)
	return nil
}

func (rc *ReceiveContext) halfOpenAtCapacity() bool {
	if rc.halfOpen.ItemCount() < rc.cfg.MaxHalfOpenSessions {
		return false
	}
	rc.halfOpen.DeleteExpired()
	return rc.halfOpen.ItemCount() >= rc.cfg.MaxHalfOpenSessions
}

// halfOpenFull reports whether a new Init from identity would exceed
// MaxHalfOpenSessions. An identity replacing its own half-open session is
// always allowed.
func (rc *ReceiveContext) halfOpenFull(identity crypto.PublicKey) bool {
	if _, ok := rc.byIdentity.Get(identity.String()); ok {
		return false
	}
	return rc.halfOpenAtCapacity()
}

func (rc *ReceiveContext) addHalfOpen(s *Session) error {
	identity := s.remote.String()

	rc.halfOpenMu.Lock()
	var superseded *Session
	if v, ok := rc.byIdentity.Get(identity); ok {
		if o, ok := rc.halfOpen.Get(v.(SessionId).String()); ok {
			rc.halfOpen.Delete(v.(SessionId).String())
			superseded = o.(*Session)
		}
	}
	if superseded == nil && rc.halfOpenAtCapacity() {
		rc.halfOpenMu.Unlock()
		return errHalfOpenFull
	}
	rc.halfOpen.Set(s.id.String(), s, 0)
	rc.byIdentity.Set(identity, s.id, 0)
	boundCache(rc.byIdentity, rc.cfg.MaxHalfOpenSessions)
	rc.halfOpenMu.Unlock()

	if superseded != nil {
		superseded.Close()
		logger.Debug("Half-open session %s superseded by %s", superseded.id, s.id)
	}
	return nil
}

func (rc *ReceiveContext) lookupHalfOpen(id SessionId, now time.Time) (*Session, bool) {
	v, ok := rc.halfOpen.Get(id.String())
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	if now.Sub(s.created) > rc.cfg.HalfOpenTimeout {
		rc.halfOpen.Delete(id.String())
		s.Close()
		return nil, false
	}
	return s, true
}

// completeHalfOpen forgets a responder session once it is established; the
// application takes ownership through ResultNewSession.
func (rc *ReceiveContext) completeHalfOpen(s *Session) {
	rc.halfOpen.Delete(s.id.String())
	identity := s.remote.String()
	if v, ok := rc.byIdentity.Get(identity); ok && v.(SessionId) == s.id {
		rc.byIdentity.Delete(identity)
	}
}

// HalfOpenCount returns the number of responder sessions awaiting Confirm.
func (rc *ReceiveContext) HalfOpenCount() int {
	return rc.halfOpen.ItemCount()
}
