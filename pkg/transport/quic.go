package transport

import (
	"context"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
)

// QUICConfig is the QUIC configuration used over secure sessions. Path MTU
// discovery is off because the session layer fragments for us.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:          30 * time.Second,
		KeepAlivePeriod:         10 * time.Second,
		HandshakeIdleTimeout:    15 * time.Second,
		DisablePathMTUDiscovery: true,
	}
}

// quicTransport returns the single QUIC transport reading from this endpoint.
func (e *Endpoint) quicTransport() *quic.Transport {
	e.quicOnce.Do(func() {
		if !e.isClosed() {
			e.quicTr = &quic.Transport{Conn: e}
		}
	})
	return e.quicTr
}

// DialQUIC establishes a secure session with remote and opens a QUIC
// connection over it.
func (e *Endpoint) DialQUIC(ctx context.Context, remote crypto.PublicKey, addr string) (*quic.Conn, error) {
	raddr, err := e.Connect(ctx, remote, addr)
	if err != nil {
		return nil, err
	}
	tr := e.quicTransport()
	if tr == nil {
		return nil, ErrClosed
	}
	tlsConfig, err := crypto.GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	logger.Debug("Session with %s ready, dialing QUIC", raddr)
	return tr.Dial(ctx, raddr, tlsConfig, QUICConfig())
}

// ListenQUIC accepts QUIC connections arriving over secure sessions.
func (e *Endpoint) ListenQUIC() (*quic.Listener, error) {
	tr := e.quicTransport()
	if tr == nil {
		return nil, ErrClosed
	}
	tlsConfig, err := crypto.GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	return tr.Listen(tlsConfig, QUICConfig())
}
