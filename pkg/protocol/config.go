package protocol

import (
	"fmt"
	"time"
)

// Config holds protocol tunables shared by every session of a ReceiveContext.
type Config struct {
	// RekeyAfterUses starts a rekey once a key generation has sent this many messages.
	RekeyAfterUses uint64
	// RejectAfterUses is the hard limit after which Send refuses to use a key.
	RejectAfterUses uint64
	// RekeyAfterTime starts a rekey once a key generation is this old.
	RekeyAfterTime time.Duration
	// HandshakeRetryInterval paces retransmission of Init, Confirm and rekey offers.
	HandshakeRetryInterval time.Duration
	// KeyGracePeriod is how long the previous key generation stays decryptable.
	KeyGracePeriod time.Duration
	// FragmentTimeout drops partial messages older than this.
	FragmentTimeout time.Duration
	// MaxPartialMessages bounds reassembly buffers per session.
	MaxPartialMessages int
	// MaxReassemblyBytes bounds buffered fragments per session. The message
	// being reassembled may exceed it up to its own size limit.
	MaxReassemblyBytes int
	// HalfOpenTimeout bounds how long a responder waits for Confirm.
	HalfOpenTimeout time.Duration
	// MaxHalfOpenSessions bounds responder sessions awaiting Confirm.
	MaxHalfOpenSessions int
	// MaxConcurrentHandshakes bounds concurrent responder key agreement.
	MaxConcurrentHandshakes int
	// MaxUnassociatedMessages bounds partial Init messages from unknown peers.
	MaxUnassociatedMessages int
	// InitTimestampWindow is how long the newest Init timestamp per identity is remembered.
	InitTimestampWindow time.Duration
}

// DefaultConfig returns the default protocol tunables.
func DefaultConfig() Config {
	return Config{
		RekeyAfterUses:          1 << 30,
		RejectAfterUses:         1<<32 - 1,
		RekeyAfterTime:          time.Hour,
		HandshakeRetryInterval:  time.Second,
		KeyGracePeriod:          5 * time.Second,
		FragmentTimeout:         5 * time.Second,
		MaxPartialMessages:      32,
		MaxReassemblyBytes:      1 << 20,
		HalfOpenTimeout:         10 * time.Second,
		MaxHalfOpenSessions:     4096,
		MaxConcurrentHandshakes: 64,
		MaxUnassociatedMessages: 1024,
		InitTimestampWindow:     24 * time.Hour,
	}
}

// Validate checks the config for values that would break the protocol.
func (c Config) Validate() error {
	switch {
	case c.RekeyAfterUses == 0:
		return fmt.Errorf("%w: rekey_after_uses must be positive", ErrInvalidConfig)
	case c.RejectAfterUses <= c.RekeyAfterUses:
		return fmt.Errorf("%w: reject_after_uses must exceed rekey_after_uses", ErrInvalidConfig)
	case c.RekeyAfterTime <= 0:
		return fmt.Errorf("%w: rekey_after_time must be positive", ErrInvalidConfig)
	case c.HandshakeRetryInterval <= 0:
		return fmt.Errorf("%w: handshake_retry_interval must be positive", ErrInvalidConfig)
	case c.KeyGracePeriod < 0:
		return fmt.Errorf("%w: key_grace_period is negative", ErrInvalidConfig)
	case c.FragmentTimeout <= 0:
		return fmt.Errorf("%w: fragment_timeout must be positive", ErrInvalidConfig)
	case c.MaxPartialMessages <= 0:
		return fmt.Errorf("%w: max_partial_messages must be positive", ErrInvalidConfig)
	case c.MaxReassemblyBytes <= 0:
		return fmt.Errorf("%w: max_reassembly_bytes must be positive", ErrInvalidConfig)
	case c.HalfOpenTimeout <= 0:
		return fmt.Errorf("%w: half_open_timeout must be positive", ErrInvalidConfig)
	case c.MaxHalfOpenSessions <= 0:
		return fmt.Errorf("%w: max_half_open_sessions must be positive", ErrInvalidConfig)
	case c.MaxConcurrentHandshakes <= 0:
		return fmt.Errorf("%w: max_concurrent_handshakes must be positive", ErrInvalidConfig)
	case c.MaxUnassociatedMessages <= 0:
		return fmt.Errorf("%w: max_unassociated_messages must be positive", ErrInvalidConfig)
	case c.InitTimestampWindow <= 0:
		return fmt.Errorf("%w: init_timestamp_window must be positive", ErrInvalidConfig)
	}
	return nil
}
