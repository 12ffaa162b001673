package protocol

import (
	"meshlink/pkg/crypto"
)

const (
	// KeySize is the size of X25519 keys and ChaCha20Poly1305 keys.
	KeySize = crypto.KeySize
	// NonceSize is the size of ChaCha20Poly1305 nonce.
	NonceSize = crypto.NonceSize
	// TagSize is the size of Poly1305 tag.
	TagSize = crypto.TagSize
	// MACSize is the size of the keyed pre-authentication tag on Init packets.
	MACSize = crypto.MACSize
	// TimestampSize is the size of the encoded Init timestamp (seconds + nanoseconds).
	TimestampSize = 12
	// PSKSize is the required size of a pre-shared key.
	PSKSize = 64

	// HeaderSize is the size of the cleartext packet header.
	HeaderSize = 20
	// MaxFragments is the maximum number of fragments a single message may be split into.
	MaxFragments = 48
	// MinMTU is the smallest datagram size the protocol will fragment to.
	MinMTU = 128
	// MaxMTU is the largest datagram size accepted.
	MaxMTU = 65535
	// DefaultMTU is a safe UDP payload size.
	DefaultMTU = 1400

	// CounterMaxAllowedOOO is how far below the highest authenticated counter a
	// message may still arrive and be accepted.
	CounterMaxAllowedOOO = 1024
)

// PacketType is the cleartext packet type carried in the header.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketInit
	PacketAck
	PacketConfirm
	PacketRekeyInit
	PacketRekeyAck
	PacketNop
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "data"
	case PacketInit:
		return "init"
	case PacketAck:
		return "ack"
	case PacketConfirm:
		return "confirm"
	case PacketRekeyInit:
		return "rekey-init"
	case PacketRekeyAck:
		return "rekey-ack"
	case PacketNop:
		return "nop"
	}
	return "unknown"
}

// Handshake flags
const (
	FlagPostQuantum = 1 << 0
)

// Labels
const (
	protocolName        = "meshlink x25519+mlkem1024 chachapoly blake2s hkdf-sha256 v1"
	labelMAC1           = "mac1----"
	labelTransportKeys  = "meshlink transport keys"
	labelRekeyChain     = "meshlink rekey"
	labelHandshakeChain = "meshlink chain"
)
