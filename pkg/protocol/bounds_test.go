package protocol

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlink/pkg/crypto"
)

var strangerAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 666}

// inject hands p a datagram built from hdr and payload, as if sent from addr.
func inject(t *testing.T, p *testPeer, addr net.Addr, hdr Header, payload []byte) Result {
	t.Helper()
	datagram := append(hdr.Marshal(), payload...)
	res, err := p.rc.Receive(p.host, addr, p.transmit, make([]byte, p.mtu), datagram, p.mtu, testEpoch)
	require.NoError(t, err)
	if res.Kind == ResultIgnored {
		p.ignored++
	}
	return res
}

func discard([]byte) {}

func TestOversizedDatagramIgnored(t *testing.T) {
	alice, bob := newTestPair(t, 1280, DefaultConfig())
	as, _ := establish(t, alice, bob, testEpoch)

	require.NoError(t, as.Send(alice.transmit, make([]byte, 1400), make([]byte, 1300)))
	pkts := alice.take()
	require.Len(t, pkts, 1)
	require.Greater(t, len(pkts[0]), bob.mtu)
	assert.Equal(t, ResultIgnored, bob.receive(alice, pkts[0], testEpoch).Kind)

	require.NoError(t, as.Send(alice.transmit, make([]byte, 1280), []byte("fits")))
	deliver(alice, bob, testEpoch, false)
	require.Len(t, bob.received, 1)
	assert.Equal(t, []byte("fits"), bob.received[0])
}

func TestUnassociatedInitFragmentsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUnassociatedMessages = 8
	alice, bob := newTestPair(t, 1280, cfg)

	piece := make([]byte, 1000)
	for c := uint64(1); c <= 100; c++ {
		res := inject(t, bob, strangerAddr, Header{Type: PacketInit, FragmentCount: 2, Counter: c}, piece)
		require.Equal(t, ResultOk, res.Kind)
		require.LessOrEqual(t, bob.rc.unassociated.ItemCount(), cfg.MaxUnassociatedMessages)
	}

	// no Init is this large
	res := inject(t, bob, strangerAddr, Header{Type: PacketInit, FragmentCount: 2, FragmentIndex: 1, Counter: 100}, piece)
	assert.Equal(t, ResultIgnored, res.Kind)
	_, held := bob.rc.unassociated.Get(unassociatedKey(strangerAddr, 100))
	assert.False(t, held)

	res = inject(t, bob, strangerAddr, Header{Type: PacketInit, FragmentCount: uint8(maxFragmentsFor(maxInitSize) + 1), Counter: 500}, []byte("x"))
	assert.Equal(t, ResultIgnored, res.Kind)

	// genuine handshakes are unaffected
	establish(t, alice, bob, testEpoch)
}

func TestAckFragmentsBounded(t *testing.T) {
	alice, bob := newTestPair(t, 1280, DefaultConfig())
	as := start(t, alice, bob, DefaultPolicy(), testEpoch)
	piece := make([]byte, 1200)

	hdr := Header{SessionID: as.ID(), Type: PacketAck, FragmentCount: 2, Counter: 1}
	require.Equal(t, ResultOk, inject(t, alice, strangerAddr, hdr, piece).Kind)
	hdr.FragmentIndex = 1
	assert.Equal(t, ResultIgnored, inject(t, alice, strangerAddr, hdr, piece).Kind)
	assert.Equal(t, 0, as.frag.pending())

	hdr = Header{SessionID: as.ID(), Type: PacketAck, FragmentCount: MaxFragments, Counter: 2}
	assert.Equal(t, ResultIgnored, inject(t, alice, strangerAddr, hdr, []byte("x")).Kind)
	assert.Equal(t, 0, as.frag.pending())

	pump(t, alice, bob, testEpoch)
	require.True(t, as.Established())

	// no offer is outstanding once established
	hdr = Header{SessionID: as.ID(), Type: PacketAck, FragmentCount: 2, Counter: 3}
	assert.Equal(t, ResultIgnored, inject(t, alice, strangerAddr, hdr, []byte("x")).Kind)
	assert.Equal(t, 0, as.frag.pending())
}

func TestSessionReassemblyBytesBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReassemblyBytes = 64 * 1024
	alice, bob := newTestPair(t, 1280, cfg)
	as, bs := establish(t, alice, bob, testEpoch)

	piece := make([]byte, bob.mtu-HeaderSize)
	for c := uint64(100); c < 100+uint64(cfg.MaxPartialMessages)*2; c++ {
		for i := 0; i < MaxFragments-1; i++ {
			hdr := Header{SessionID: bs.ID(), Type: PacketData, FragmentCount: MaxFragments, FragmentIndex: uint8(i), Counter: c}
			require.Equal(t, ResultOk, inject(t, bob, strangerAddr, hdr, piece).Kind)
			require.LessOrEqual(t, bs.frag.buffered(), cfg.MaxReassemblyBytes)
		}
	}
	assert.LessOrEqual(t, bs.frag.pending(), cfg.MaxPartialMessages)

	require.NoError(t, as.Send(alice.transmit, make([]byte, 1280), []byte("still here")))
	deliver(alice, bob, testEpoch, false)
	require.Len(t, bob.received, 1)
	assert.Equal(t, []byte("still here"), bob.received[0])
}

func TestHalfOpenSessionsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHalfOpenSessions = 2
	bob := newTestPeer(t, 4002, 1280, cfg)
	alice := newTestPeer(t, 4001, 1280, cfg)
	carol := newTestPeer(t, 4003, 1280, cfg)
	dave := newTestPeer(t, 4004, 1280, cfg)

	for _, p := range []*testPeer{alice, carol, dave} {
		start(t, p, bob, DefaultPolicy(), testEpoch)
		deliver(p, bob, testEpoch, false)
	}
	assert.Equal(t, 2, bob.rc.HalfOpenCount())
	assert.Equal(t, 2, bob.host.accepted)
	assert.Equal(t, 1, bob.ignored)
	bob.take()

	// a peer may still replace its own half-open session
	later := testEpoch.Add(2 * time.Second)
	as := start(t, alice, bob, DefaultPolicy(), later)
	pump(t, alice, bob, later)
	assert.True(t, as.Established())
	assert.Equal(t, 3, bob.host.accepted)
	assert.Equal(t, 1, bob.rc.HalfOpenCount())
}

// gatedHost blocks in AcceptNewSession until released.
type gatedHost struct {
	*testHost
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHost) AcceptNewSession(rc *ReceiveContext, remote net.Addr, identity crypto.PublicKey) AcceptDecision {
	h.entered <- struct{}{}
	<-h.release
	return h.testHost.AcceptNewSession(rc, remote, identity)
}

func TestConcurrentHandshakesBounded(t *testing.T) {
	const mtu = 4096
	cfg := DefaultConfig()
	cfg.MaxConcurrentHandshakes = 1
	alice, bob := newTestPair(t, mtu, cfg)
	carol := newTestPeer(t, 4003, mtu, cfg)

	policy := Policy{MTU: mtu, PostQuantum: true}
	start(t, alice, bob, policy, testEpoch)
	start(t, carol, bob, policy, testEpoch)
	fromAlice, fromCarol := alice.take(), carol.take()
	require.Len(t, fromAlice, 1)
	require.Len(t, fromCarol, 1)

	host := &gatedHost{testHost: bob.host, entered: make(chan struct{}, 4), release: make(chan struct{})}
	done := make(chan Result, 1)
	go func() {
		res, _ := bob.rc.Receive(host, alice.addr, discard, make([]byte, mtu), fromAlice[0], mtu, testEpoch)
		done <- res
	}()
	<-host.entered

	res, err := bob.rc.Receive(host, carol.addr, discard, make([]byte, mtu), fromCarol[0], mtu, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Kind)

	close(host.release)
	assert.Equal(t, ResultOk, (<-done).Kind)

	res, err = bob.rc.Receive(host, carol.addr, discard, make([]byte, mtu), fromCarol[0], mtu, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, ResultOk, res.Kind)
	assert.Equal(t, 2, bob.rc.HalfOpenCount())
}

func TestConcurrentDuplicateInitsAcceptedOnce(t *testing.T) {
	const mtu = 4096
	cfg := DefaultConfig()
	cfg.MaxConcurrentHandshakes = 16
	alice, bob := newTestPair(t, mtu, cfg)

	start(t, alice, bob, Policy{MTU: mtu, PostQuantum: true}, testEpoch)
	pkts := alice.take()
	require.Len(t, pkts, 1)

	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			bob.rc.Receive(bob.host, alice.addr, discard, make([]byte, mtu), pkts[0], mtu, testEpoch)
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, bob.host.accepted)
	assert.Equal(t, 1, bob.rc.HalfOpenCount())
}
