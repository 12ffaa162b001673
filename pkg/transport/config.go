package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"meshlink/pkg/crypto"
	"meshlink/pkg/protocol"
)

var (
	ErrClosed      = errors.New("transport: endpoint closed")
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrNoSession   = errors.New("transport: no session for address")
	ErrTimeout     = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// Peer is a remote node this endpoint may talk to.
type Peer struct {
	Name      string
	PublicKey crypto.PublicKey
	PSK       []byte
	// Addr is the dial address; empty for peers that only connect to us.
	Addr string
}

// Config controls an Endpoint.
type Config struct {
	Protocol protocol.Config
	// MTU is the largest datagram sent or accepted.
	MTU int
	// PostQuantum enables the ML-KEM contribution for sessions we initiate.
	PostQuantum bool
	// RekeyRateLimit is the minimum interval between accepted peer rekeys.
	RekeyRateLimit time.Duration
	// ServiceInterval paces retransmission, rekey and expiry work.
	ServiceInterval time.Duration
	// IdleTimeout closes sessions without authenticated traffic.
	IdleTimeout time.Duration
	// InboxSize bounds messages queued for ReadFrom.
	InboxSize int
	// SocketBuffer sets the OS read and write buffer sizes when positive.
	SocketBuffer int
	// Admit, if set, is consulted before any work is done on a handshake
	// from an unknown address.
	Admit func(remote net.Addr) bool
	Peers []Peer
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{
		Protocol:        protocol.DefaultConfig(),
		MTU:             protocol.DefaultMTU,
		PostQuantum:     true,
		RekeyRateLimit:  10 * time.Second,
		ServiceInterval: 250 * time.Millisecond,
		IdleTimeout:     3 * time.Minute,
		InboxSize:       1024,
		SocketBuffer:    4 * 1024 * 1024,
	}
}

func (c *Config) validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	if c.MTU < protocol.MinMTU || c.MTU > protocol.MaxMTU {
		return fmt.Errorf("%w: %d", protocol.ErrInvalidMTU, c.MTU)
	}
	if c.ServiceInterval <= 0 || c.IdleTimeout <= 0 || c.InboxSize <= 0 {
		return fmt.Errorf("%w: service interval, idle timeout and inbox size must be positive", protocol.ErrInvalidConfig)
	}
	for _, p := range c.Peers {
		if len(p.PSK) != protocol.PSKSize {
			return fmt.Errorf("peer %q: %w", p.Name, protocol.ErrInvalidPSK)
		}
		if p.PublicKey.IsZero() {
			return fmt.Errorf("peer %q: %w", p.Name, crypto.ErrWeakPublicKey)
		}
	}
	return nil
}
