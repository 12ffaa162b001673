package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlink/pkg/protocol"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ServiceInterval = 20 * time.Millisecond
	cfg.Protocol.HandshakeRetryInterval = 100 * time.Millisecond
	cfg.SocketBuffer = 0
	return cfg
}

func newTestEndpoint(t *testing.T, cfg Config) *Endpoint {
	t.Helper()
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	e, err := Listen("127.0.0.1:0", id, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func introduce(t *testing.T, a, b *Endpoint) {
	t.Helper()
	psk := make([]byte, protocol.PSKSize)
	rand.Read(psk)
	require.NoError(t, a.AddPeer(Peer{Name: "b", PublicKey: b.Identity().Public, PSK: psk, Addr: b.LocalAddr().String()}))
	require.NoError(t, b.AddPeer(Peer{Name: "a", PublicKey: a.Identity().Public, PSK: psk}))
}

func connectedPair(t *testing.T, cfg Config) (*Endpoint, *Endpoint, net.Addr) {
	t.Helper()
	a := newTestEndpoint(t, cfg)
	b := newTestEndpoint(t, cfg)
	introduce(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := a.Connect(ctx, b.Identity().Public, "")
	require.NoError(t, err)
	return a, b, addr
}

func readWithin(t *testing.T, e *Endpoint, d time.Duration) ([]byte, net.Addr) {
	t.Helper()
	require.NoError(t, e.SetReadDeadline(time.Now().Add(d)))
	buf := make([]byte, protocol.MaxMTU*protocol.MaxFragments)
	n, addr, err := e.ReadFrom(buf)
	require.NoError(t, err)
	return buf[:n], addr
}

func TestEndpointExchange(t *testing.T) {
	a, b, addr := connectedPair(t, testConfig())

	_, err := a.WriteTo([]byte("hello"), addr)
	require.NoError(t, err)
	msg, from := readWithin(t, b, 2*time.Second)
	assert.Equal(t, []byte("hello"), msg)

	_, err = b.WriteTo([]byte("world"), from)
	require.NoError(t, err)
	msg, _ = readWithin(t, a, 2*time.Second)
	assert.Equal(t, []byte("world"), msg)

	require.Len(t, b.Sessions(), 1)
	st := b.Sessions()[0]
	assert.True(t, st.Established)
	assert.True(t, st.PostQuantum)
	assert.Equal(t, a.Identity().Fingerprint, st.RemoteFingerprint)

	assert.Equal(t, uint64(1), a.Stats().MessagesOut)
	assert.Equal(t, uint64(1), b.Stats().MessagesIn)
}

func TestEndpointLargeMessage(t *testing.T) {
	a, b, addr := connectedPair(t, testConfig())

	message := make([]byte, 40000)
	rand.Read(message)
	_, err := a.WriteTo(message, addr)
	require.NoError(t, err)

	msg, _ := readWithin(t, b, 2*time.Second)
	assert.True(t, bytes.Equal(message, msg))
}

func TestEndpointRekey(t *testing.T) {
	a, b, addr := connectedPair(t, testConfig())
	before := a.Sessions()[0].KeyFingerprint

	require.NoError(t, a.Rekey(b.Identity().Public))
	require.Eventually(t, func() bool {
		st := a.Sessions()[0]
		return st.RatchetIndex == 1 && !st.RekeyPending
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, before, a.Sessions()[0].KeyFingerprint)

	_, err := a.WriteTo([]byte("after rekey"), addr)
	require.NoError(t, err)
	msg, _ := readWithin(t, b, 2*time.Second)
	assert.Equal(t, []byte("after rekey"), msg)
	assert.Equal(t, a.Sessions()[0].KeyFingerprint, b.Sessions()[0].KeyFingerprint)
}

func TestEndpointRejectsUnknownPeer(t *testing.T) {
	a := newTestEndpoint(t, testConfig())
	b := newTestEndpoint(t, testConfig())

	psk := make([]byte, protocol.PSKSize)
	require.NoError(t, a.AddPeer(Peer{Name: "b", PublicKey: b.Identity().Public, PSK: psk, Addr: b.LocalAddr().String()}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := a.Connect(ctx, b.Identity().Public, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, a.Sessions())
	assert.Empty(t, b.Sessions())

	_, err = a.Connect(context.Background(), a.Identity().Public, b.LocalAddr().String())
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestEndpointAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.Admit = func(net.Addr) bool { return false }
	a := newTestEndpoint(t, testConfig())
	b := newTestEndpoint(t, cfg)
	introduce(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := a.Connect(ctx, b.Identity().Public, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotZero(t, b.Stats().DatagramsIgnored)
}

func TestEndpointWriteWithoutSession(t *testing.T) {
	a := newTestEndpoint(t, testConfig())
	_, err := a.WriteTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEndpointReadDeadline(t *testing.T) {
	a := newTestEndpoint(t, testConfig())
	require.NoError(t, a.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

	_, _, err := a.ReadFrom(make([]byte, 16))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	// a deadline in the past fails immediately, clearing it blocks again
	require.NoError(t, a.SetReadDeadline(time.Now().Add(-time.Second)))
	_, _, err = a.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, a.SetReadDeadline(time.Time{}))

	done := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 16))
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("read returned without a deadline")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-done, net.ErrClosed)
}

func TestEndpointIdleExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	a, b, addr := connectedPair(t, cfg)

	require.Eventually(t, func() bool {
		return len(a.Sessions()) == 0 && len(b.Sessions()) == 0
	}, 2*time.Second, 20*time.Millisecond)

	_, err := a.WriteTo([]byte("late"), addr)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEndpointCloseDestroysSessions(t *testing.T) {
	a, _, addr := connectedPair(t, testConfig())
	require.NoError(t, a.Close())
	assert.Empty(t, a.Sessions())

	_, err := a.WriteTo([]byte("x"), addr)
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = a.Connect(context.Background(), a.Identity().Public, "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQUICEchoOverSession(t *testing.T) {
	a := newTestEndpoint(t, testConfig())
	b := newTestEndpoint(t, testConfig())
	introduce(t, a, b)

	ln, err := b.ListenQUIC()
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		io.Copy(stream, stream)
		stream.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := a.DialQUIC(ctx, b.Identity().Public, "")
	require.NoError(t, err)
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	payload := make([]byte, 100000)
	rand.Read(payload)
	go func() {
		stream.Write(payload)
		stream.Close()
	}()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}
