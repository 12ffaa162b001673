package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
	"meshlink/pkg/protocol"
)

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Stats are cumulative endpoint counters.
type Stats struct {
	DatagramsIn      uint64
	DatagramsIgnored uint64
	MessagesIn       uint64
	MessagesOut      uint64
	InboxDrops       uint64
}

// Endpoint multiplexes secure sessions with many peers over one UDP socket.
// It implements net.PacketConn, addressed by the peer's UDP address, so QUIC
// can run on top of it, and protocol.Host for the session layer.
type Endpoint struct {
	conn     *net.UDPConn
	cfg      Config
	identity *protocol.Identity
	rc       *protocol.ReceiveContext
	table    *protocol.SessionTable

	// dispatch is held shared while inbound datagrams are processed and
	// exclusively while a new initiator session is registered.
	dispatch sync.RWMutex

	mu      sync.RWMutex
	peers   map[crypto.PublicKey]Peer
	byAddr  map[string]*protocol.Session
	addrOf  map[protocol.SessionId]*net.UDPAddr
	waiters map[protocol.SessionId]chan struct{}

	inbox        chan packet
	readDeadline *deadline
	closed       chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup

	quicOnce sync.Once
	quicTr   *quic.Transport

	datagramsIn      atomic.Uint64
	datagramsIgnored atomic.Uint64
	messagesIn       atomic.Uint64
	messagesOut      atomic.Uint64
	inboxDrops       atomic.Uint64
}

// Listen opens a UDP socket on addr and starts an Endpoint on it.
func Listen(addr string, identity *protocol.Identity, cfg Config) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	e, err := NewEndpoint(conn, identity, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

// NewEndpoint starts an Endpoint on an existing socket. The endpoint owns
// conn and closes it on Close.
func NewEndpoint(conn *net.UDPConn, identity *protocol.Identity, cfg Config) (*Endpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rc, err := protocol.NewReceiveContext(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	if cfg.SocketBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.SocketBuffer); err != nil {
			logger.Warn("Failed to set socket read buffer: %v", err)
		}
		if err := conn.SetWriteBuffer(cfg.SocketBuffer); err != nil {
			logger.Warn("Failed to set socket write buffer: %v", err)
		}
	}

	e := &Endpoint{
		conn:         conn,
		cfg:          cfg,
		identity:     identity,
		rc:           rc,
		table:        protocol.NewSessionTable(),
		peers:        make(map[crypto.PublicKey]Peer),
		byAddr:       make(map[string]*protocol.Session),
		addrOf:       make(map[protocol.SessionId]*net.UDPAddr),
		waiters:      make(map[protocol.SessionId]chan struct{}),
		inbox:        make(chan packet, cfg.InboxSize),
		readDeadline: newDeadline(),
		closed:       make(chan struct{}),
	}
	for _, p := range cfg.Peers {
		e.peers[p.PublicKey] = p
	}

	e.wg.Add(2)
	go e.readLoop()
	go e.serviceLoop()

	logger.Info("Endpoint %s listening on %s", identity.Fingerprint, conn.LocalAddr())
	return e, nil
}

// AddPeer registers or replaces a peer.
func (e *Endpoint) AddPeer(p Peer) error {
	if len(p.PSK) != protocol.PSKSize {
		return fmt.Errorf("peer %q: %w", p.Name, protocol.ErrInvalidPSK)
	}
	if p.PublicKey.IsZero() {
		return fmt.Errorf("peer %q: %w", p.Name, crypto.ErrWeakPublicKey)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[p.PublicKey] = p
	return nil
}

func (e *Endpoint) peer(pub crypto.PublicKey) (Peer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[pub]
	return p, ok
}

// Identity returns the endpoint's long-term identity.
func (e *Endpoint) Identity() *protocol.Identity {
	return e.identity
}

// LocalIdentity returns the key pair handshakes are authenticated with.
func (e *Endpoint) LocalIdentity() *protocol.Identity {
	return e.identity
}

// LookupSession finds an established or pending session by its local id.
func (e *Endpoint) LookupSession(id protocol.SessionId) (*protocol.Session, bool) {
	return e.table.Get(id)
}

// CheckNewSession admits a handshake from remote before any key agreement.
// It consults Config.Admit and refuses everything once the endpoint is closed.
func (e *Endpoint) CheckNewSession(rc *protocol.ReceiveContext, remote net.Addr) bool {
	if e.isClosed() {
		return false
	}
	if e.cfg.Admit != nil {
		return e.cfg.Admit(remote)
	}
	return true
}

// AcceptNewSession accepts authenticated initiators that are configured
// peers, using that peer's PSK. The session's app data is the peer name.
func (e *Endpoint) AcceptNewSession(rc *protocol.ReceiveContext, remote net.Addr, identity crypto.PublicKey) protocol.AcceptDecision {
	p, ok := e.peer(identity)
	if !ok {
		logger.Warn("Rejecting handshake from unknown identity %s at %s", identity.Fingerprint(), remote)
		return protocol.AcceptDecision{}
	}
	return protocol.AcceptDecision{
		Accept:  true,
		ID:      e.newSessionID(),
		PSK:     p.PSK,
		AppData: p.Name,
	}
}

// RekeyRateLimit returns Config.RekeyRateLimit.
func (e *Endpoint) RekeyRateLimit() time.Duration {
	return e.cfg.RekeyRateLimit
}

func (e *Endpoint) newSessionID() protocol.SessionId {
	for {
		id := protocol.NewSessionId()
		if !e.table.Contains(id) {
			return id
		}
	}
}

func (e *Endpoint) transmitTo(addr *net.UDPAddr) protocol.TransmitFunc {
	return func(b []byte) {
		if _, err := e.conn.WriteToUDP(b, addr); err != nil && !e.isClosed() {
			logger.Debug("Write to %s failed: %v", addr, err)
		}
	}
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	buf := GetBuffer()
	defer PutBuffer(buf)
	scratch := make([]byte, e.cfg.MTU)

	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Read failed: %v", err)
			continue
		}
		e.handle(addr, buf[:n], scratch, time.Now())
	}
}

func (e *Endpoint) handle(addr *net.UDPAddr, datagram, scratch []byte, now time.Time) {
	e.datagramsIn.Add(1)

	e.dispatch.RLock()
	res, err := e.rc.Receive(e, addr, e.transmitTo(addr), scratch, datagram, e.cfg.MTU, now)
	e.dispatch.RUnlock()
	if err != nil {
		logger.Error("Receive from %s: %v", addr, err)
		return
	}

	switch res.Kind {
	case protocol.ResultIgnored:
		e.datagramsIgnored.Add(1)
	case protocol.ResultNewSession:
		e.adopt(res.Session, addr)
	case protocol.ResultData:
		e.bind(res.Session, addr)
		e.deliver(packet{data: res.Data, addr: addr})
	}
	e.notifyWaiters(datagram)
}

// adopt takes ownership of a session a peer just established with us.
func (e *Endpoint) adopt(s *protocol.Session, addr *net.UDPAddr) {
	if old := e.table.Insert(s); old != nil {
		e.unbind(old.ID())
		old.Close()
		logger.Info("Session %s with %v replaced by %s", old.ID(), s.AppData(), s.ID())
	}
	e.bind(s, addr)
	logger.Info("Session %s established with %v at %s", s.ID(), s.AppData(), addr)
}

// bind routes writes for addr to s, following the peer if it moved.
func (e *Endpoint) bind(s *protocol.Session, addr *net.UDPAddr) {
	key := addr.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.addrOf[s.ID()]; ok {
		if cur.String() == key {
			return
		}
		if e.byAddr[cur.String()] == s {
			delete(e.byAddr, cur.String())
		}
		logger.Debug("Session %s moved from %s to %s", s.ID(), cur, addr)
	}
	if prev, ok := e.byAddr[key]; ok && prev != s {
		delete(e.addrOf, prev.ID())
	}
	e.byAddr[key] = s
	e.addrOf[s.ID()] = addr
}

func (e *Endpoint) unbind(id protocol.SessionId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr, ok := e.addrOf[id]; ok {
		if s := e.byAddr[addr.String()]; s != nil && s.ID() == id {
			delete(e.byAddr, addr.String())
		}
		delete(e.addrOf, id)
	}
	if ch, ok := e.waiters[id]; ok {
		close(ch)
		delete(e.waiters, id)
	}
}

func (e *Endpoint) addrFor(id protocol.SessionId) *net.UDPAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addrOf[id]
}

func (e *Endpoint) sessionAt(addr net.Addr) *protocol.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byAddr[addr.String()]
}

func (e *Endpoint) deliver(p packet) {
	select {
	case e.inbox <- p:
		e.messagesIn.Add(1)
	default:
		e.inboxDrops.Add(1)
		logger.Debug("Inbox full, dropping message from %s", p.addr)
	}
}

// notifyWaiters wakes Connect callers whose session has just completed.
func (e *Endpoint) notifyWaiters(datagram []byte) {
	e.mu.RLock()
	pending := len(e.waiters)
	e.mu.RUnlock()
	if pending == 0 {
		return
	}
	hdr, _, err := protocol.UnmarshalHeader(datagram)
	if err != nil {
		return
	}
	s, ok := e.table.Get(hdr.SessionID)
	if !ok || !s.Established() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[hdr.SessionID]; ok {
		close(ch)
		delete(e.waiters, hdr.SessionID)
	}
}

func (e *Endpoint) serviceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ServiceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case now := <-ticker.C:
			e.service(now)
		}
	}
}

func (e *Endpoint) service(now time.Time) {
	for _, s := range e.table.Snapshot() {
		if addr := e.addrFor(s.ID()); addr != nil {
			s.Service(e, e.transmitTo(addr), now, false)
		}
	}
	for _, s := range e.table.ExpireIdle(now, e.cfg.IdleTimeout) {
		e.unbind(s.ID())
		logger.Info("Session %s with %v closed after inactivity", s.ID(), s.AppData())
	}
}

// Connect establishes a session with a configured peer and returns the
// address to use with WriteTo. An empty addr dials the peer's configured
// address. It blocks until the handshake completes or ctx is done; the
// handshake is retransmitted by the service loop meanwhile.
func (e *Endpoint) Connect(ctx context.Context, remote crypto.PublicKey, addr string) (*net.UDPAddr, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	p, ok := e.peer(remote)
	if !ok {
		return nil, ErrUnknownPeer
	}
	if addr == "" {
		addr = p.Addr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	if s, ok := e.table.GetByIdentity(remote); ok && s.Established() {
		if cur := e.addrFor(s.ID()); cur != nil && cur.String() == udpAddr.String() {
			return cur, nil
		}
	}

	done := make(chan struct{})
	e.dispatch.Lock()
	id := e.newSessionID()
	policy := protocol.Policy{MTU: e.cfg.MTU, PostQuantum: e.cfg.PostQuantum}
	s, err := e.rc.StartSession(e, e.transmitTo(udpAddr), id, remote, p.PSK, p.Name, policy, time.Now())
	if err != nil {
		e.dispatch.Unlock()
		return nil, err
	}
	e.mu.Lock()
	e.waiters[id] = done
	e.mu.Unlock()
	if old := e.table.Insert(s); old != nil {
		e.unbind(old.ID())
		old.Close()
	}
	e.bind(s, udpAddr)
	e.dispatch.Unlock()

	select {
	case <-done:
		if !s.Established() {
			return nil, ErrClosed
		}
		logger.Info("Session %s established with %s at %s", s.ID(), p.Name, udpAddr)
		return udpAddr, nil
	case <-ctx.Done():
		e.abandon(s)
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrClosed
	}
}

func (e *Endpoint) abandon(s *protocol.Session) {
	if _, ok := e.table.Remove(s.ID()); ok {
		s.Close()
	}
	e.unbind(s.ID())
}

// Rekey forces a rekey of the session with remote.
func (e *Endpoint) Rekey(remote crypto.PublicKey) error {
	s, ok := e.table.GetByIdentity(remote)
	if !ok {
		return ErrUnknownPeer
	}
	addr := e.addrFor(s.ID())
	if addr == nil {
		return ErrNoSession
	}
	if !s.Established() {
		return protocol.ErrNotEstablished
	}
	s.Service(e, e.transmitTo(addr), time.Now(), true)
	return nil
}

// Sessions reports the status of every session.
func (e *Endpoint) Sessions() []protocol.Status {
	var out []protocol.Status
	for _, s := range e.table.Snapshot() {
		out = append(out, s.Status())
	}
	return out
}

// Stats returns cumulative counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		DatagramsIn:      e.datagramsIn.Load(),
		DatagramsIgnored: e.datagramsIgnored.Load(),
		MessagesIn:       e.messagesIn.Load(),
		MessagesOut:      e.messagesOut.Load(),
		InboxDrops:       e.inboxDrops.Load(),
	}
}

// ReadFrom returns the next application message and the address of the
// peer that sent it. Messages larger than p are dropped.
func (e *Endpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		select {
		case pkt := <-e.inbox:
			if len(pkt.data) > len(p) {
				logger.Debug("Dropping %d byte message from %s: buffer is %d bytes", len(pkt.data), pkt.addr, len(p))
				continue
			}
			return copy(p, pkt.data), pkt.addr, nil
		case <-e.readDeadline.wait():
			return 0, nil, ErrTimeout
		case <-e.closed:
			return 0, nil, net.ErrClosed
		}
	}
}

// WriteTo encrypts p for the peer at addr. A session with addr must already
// be established.
func (e *Endpoint) WriteTo(p []byte, addr net.Addr) (int, error) {
	if e.isClosed() {
		return 0, net.ErrClosed
	}
	s := e.sessionAt(addr)
	if s == nil {
		return 0, ErrNoSession
	}
	udpAddr := e.addrFor(s.ID())
	if udpAddr == nil {
		return 0, ErrNoSession
	}

	buf := GetBuffer()
	defer PutBuffer(buf)
	if err := s.Send(e.transmitTo(udpAddr), buf[:e.cfg.MTU], p); err != nil {
		return 0, err
	}
	e.messagesOut.Add(1)
	return len(p), nil
}

// Close stops the endpoint and destroys every session.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.quicOnce.Do(func() {})
		if e.quicTr != nil {
			e.quicTr.Close()
		}
		close(e.closed)
		err = e.conn.Close()
		e.wg.Wait()
		for _, s := range e.table.Snapshot() {
			e.table.Remove(s.ID())
			e.unbind(s.ID())
			s.Close()
		}
		logger.Info("Endpoint %s closed", e.identity.Fingerprint)
	})
	return err
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// LocalAddr returns the local network address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// SetDeadline sets the read and write deadlines associated with the endpoint.
func (e *Endpoint) SetDeadline(t time.Time) error {
	e.readDeadline.set(t)
	return e.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future ReadFrom calls and any
// currently blocked ReadFrom call.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	e.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for writes on the underlying socket.
func (e *Endpoint) SetWriteDeadline(t time.Time) error {
	return e.conn.SetWriteDeadline(t)
}

// SetReadBuffer sets the size of the operating system's receive buffer associated with the connection.
func (e *Endpoint) SetReadBuffer(bytes int) error {
	return e.conn.SetReadBuffer(bytes)
}

// SetWriteBuffer sets the size of the operating system's transmit buffer associated with the connection.
func (e *Endpoint) SetWriteBuffer(bytes int) error {
	return e.conn.SetWriteBuffer(bytes)
}

var (
	_ net.PacketConn = (*Endpoint)(nil)
	_ protocol.Host  = (*Endpoint)(nil)
)
