package protocol

import "errors"

// Errors returned to local callers. Anything originating from the network is
// reported as ResultIgnored instead.
var (
	ErrNotEstablished   = errors.New("protocol: session not established")
	ErrMessageTooLarge  = errors.New("protocol: message exceeds fragment limit")
	ErrInvalidMTU       = errors.New("protocol: invalid mtu")
	ErrInvalidPSK       = errors.New("protocol: pre-shared key must be 64 bytes")
	ErrInvalidSessionId = errors.New("protocol: session id must be non-zero")
	ErrKeyExhausted     = errors.New("protocol: key usage limit reached")
	ErrSessionClosed    = errors.New("protocol: session closed")
	ErrInvalidConfig    = errors.New("protocol: invalid config")
)

// Drop reasons. These never leave the package; they are logged at debug level.
var (
	errPacketTooShort      = errors.New("packet too short")
	errReservedBits        = errors.New("reserved bits set")
	errFragmentBounds      = errors.New("fragment index out of range")
	errFragmentMismatch    = errors.New("fragment count mismatch")
	errMessageOversized    = errors.New("message exceeds size limit")
	errDatagramTooLong     = errors.New("datagram exceeds mtu")
	errHalfOpenFull        = errors.New("too many half-open sessions")
	errUnknownSession      = errors.New("unknown session")
	errUnexpectedPacket    = errors.New("unexpected packet type")
	errAuthFailed          = errors.New("authentication failed")
	errReplay              = errors.New("counter replayed or too old")
	errBadMAC              = errors.New("bad mac1")
	errStaleTimestamp      = errors.New("stale init timestamp")
	errAdmissionDenied     = errors.New("admission denied")
	errHandshakeBusy       = errors.New("too many concurrent handshakes")
	errDeclined            = errors.New("session declined by host")
	errNoOffer             = errors.New("no outstanding offer")
	errRateLimited         = errors.New("rekey rate limited")
	errRekeyCollision      = errors.New("rekey collision lost")
	errMalformedHandshake  = errors.New("malformed handshake payload")
	errNotEstablishedRecv  = errors.New("session not yet established")
	errPartialMessage      = errors.New("message incomplete")
	errHandshakeCrypto     = errors.New("handshake key agreement failed")
	errSessionClosedRemote = errors.New("session closed")
)
