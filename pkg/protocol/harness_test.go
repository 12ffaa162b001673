package protocol

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/pkg/crypto"
)

var testEpoch = time.Unix(1_700_000_000, 0)

type testHost struct {
	identity  *Identity
	table     *SessionTable
	psk       []byte
	accept    bool
	admit     bool
	rateLimit time.Duration

	mu       sync.Mutex
	accepted int
}

func (h *testHost) LocalIdentity() *Identity { return h.identity }

func (h *testHost) LookupSession(id SessionId) (*Session, bool) { return h.table.Get(id) }

func (h *testHost) CheckNewSession(rc *ReceiveContext, remote net.Addr) bool { return h.admit }

func (h *testHost) AcceptNewSession(rc *ReceiveContext, remote net.Addr, identity crypto.PublicKey) AcceptDecision {
	if !h.accept {
		return AcceptDecision{}
	}
	h.mu.Lock()
	h.accepted++
	h.mu.Unlock()
	return AcceptDecision{Accept: true, ID: NewSessionId(), PSK: h.psk, AppData: identity.Fingerprint()}
}

func (h *testHost) RekeyRateLimit() time.Duration { return h.rateLimit }

// testPeer is one side of an in-memory link.
type testPeer struct {
	t        *testing.T
	host     *testHost
	rc       *ReceiveContext
	addr     net.Addr
	mtu      int
	outbox   [][]byte
	received [][]byte
	accepted []*Session
	ignored  int
}

func (p *testPeer) transmit(b []byte) {
	p.outbox = append(p.outbox, append([]byte(nil), b...))
}

func (p *testPeer) take() [][]byte {
	out := p.outbox
	p.outbox = nil
	return out
}

// receive feeds one datagram from peer from into p.
func (p *testPeer) receive(from *testPeer, datagram []byte, now time.Time) Result {
	res, err := p.rc.Receive(p.host, from.addr, p.transmit, make([]byte, p.mtu), datagram, p.mtu, now)
	require.NoError(p.t, err)
	switch res.Kind {
	case ResultData:
		p.received = append(p.received, res.Data)
	case ResultNewSession:
		p.host.table.Insert(res.Session)
		p.accepted = append(p.accepted, res.Session)
	case ResultIgnored:
		p.ignored++
	}
	return res
}

func testPSK(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, PSKSize)
}

func newTestPeer(t *testing.T, port int, mtu int, cfg Config) *testPeer {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	rc, err := NewReceiveContext(cfg)
	require.NoError(t, err)
	return &testPeer{
		t: t,
		host: &testHost{
			identity: id,
			table:    NewSessionTable(),
			psk:      testPSK(7),
			accept:   true,
			admit:    true,
		},
		rc:   rc,
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		mtu:  mtu,
	}
}

func newTestPair(t *testing.T, mtu int, cfg Config) (*testPeer, *testPeer) {
	t.Helper()
	return newTestPeer(t, 4001, mtu, cfg), newTestPeer(t, 4002, mtu, cfg)
}

// deliver moves everything queued at from to to, optionally shuffled.
func deliver(from, to *testPeer, now time.Time, shuffle bool) int {
	pkts := from.take()
	if shuffle {
		rand.Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })
	}
	for _, pkt := range pkts {
		to.receive(from, pkt, now)
	}
	return len(pkts)
}

// pump exchanges packets until both sides are quiet.
func pump(t *testing.T, a, b *testPeer, now time.Time) {
	t.Helper()
	for i := 0; i < 32; i++ {
		if deliver(a, b, now, false)+deliver(b, a, now, false) == 0 {
			return
		}
	}
	t.Fatal("link did not go quiet")
}

// start begins a handshake from a to b at a's mtu without delivering anything.
func start(t *testing.T, a, b *testPeer, policy Policy, now time.Time) *Session {
	t.Helper()
	policy.MTU = a.mtu
	s, err := a.rc.StartSession(a.host, a.transmit, NewSessionId(), b.host.identity.Public, a.host.psk, "alice", policy, now)
	require.NoError(t, err)
	a.host.table.Insert(s)
	return s
}

// establish runs a full handshake from a to b.
func establish(t *testing.T, a, b *testPeer, now time.Time) (*Session, *Session) {
	t.Helper()
	as := start(t, a, b, DefaultPolicy(), now)
	pump(t, a, b, now)
	require.True(t, as.Established())
	require.Len(t, b.accepted, 1)
	return as, b.accepted[len(b.accepted)-1]
}
