package protocol

import (
	"fmt"
	"net"
	"time"

	"meshlink/pkg/crypto"
)

// SessionId identifies a session on the wire. Zero means "no session".
type SessionId uint64

func (id SessionId) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// NewSessionId returns a random non-zero session id.
func NewSessionId() SessionId {
	for {
		if id := SessionId(crypto.RandomUint64()); id != 0 {
			return id
		}
	}
}

// TransmitFunc sends one datagram. The slice is only valid for the duration
// of the call. It must not call back into the session that invoked it.
type TransmitFunc func(packet []byte)

// Identity is a node's long-term key pair.
type Identity struct {
	Private     crypto.PrivateKey
	Public      crypto.PublicKey
	Fingerprint string

	mac1Key []byte
}

// NewIdentity builds an Identity from a private key.
func NewIdentity(priv crypto.PrivateKey) (*Identity, error) {
	pub, err := crypto.GetPublicKey(priv)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Private:     priv,
		Public:      pub,
		Fingerprint: pub.Fingerprint(),
		mac1Key:     mac1Key(pub),
	}, nil
}

// GenerateIdentity creates a fresh random Identity.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewIdentity(priv)
}

func mac1Key(pub crypto.PublicKey) []byte {
	return crypto.Hash([]byte(labelMAC1), pub[:])
}

// AcceptDecision is the host's answer to an authenticated incoming handshake.
type AcceptDecision struct {
	Accept  bool
	ID      SessionId
	PSK     []byte
	AppData any
}

// Host is the capability set the protocol needs from the application.
type Host interface {
	// LocalIdentity returns this node's long-term key pair.
	LocalIdentity() *Identity
	// LookupSession finds an established or initiated session by local id.
	LookupSession(id SessionId) (*Session, bool)
	// CheckNewSession is consulted before any expensive work is done on an
	// unauthenticated handshake from remote.
	CheckNewSession(rc *ReceiveContext, remote net.Addr) bool
	// AcceptNewSession decides whether to admit an authenticated remote
	// identity, and if so supplies the local session id, PSK and app data.
	AcceptNewSession(rc *ReceiveContext, remote net.Addr, identity crypto.PublicKey) AcceptDecision
	// RekeyRateLimit is the minimum interval between accepted rekey requests
	// from a remote peer.
	RekeyRateLimit() time.Duration
}

// Policy holds per-session parameters chosen by the initiator.
type Policy struct {
	MTU            int
	InitialCounter uint64
	PostQuantum    bool
}

// DefaultPolicy returns a Policy using DefaultMTU with the post-quantum KEM enabled.
func DefaultPolicy() Policy {
	return Policy{MTU: DefaultMTU, PostQuantum: true}
}

// ResultKind classifies the outcome of Receive.
type ResultKind int

const (
	// ResultIgnored means the datagram was dropped.
	ResultIgnored ResultKind = iota
	// ResultOk means the datagram was consumed with nothing to deliver.
	ResultOk
	// ResultData carries a decrypted application message.
	ResultData
	// ResultNewSession carries a newly established incoming session.
	ResultNewSession
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultData:
		return "data"
	case ResultNewSession:
		return "new-session"
	}
	return "ignored"
}

// Result is the outcome of Receive.
type Result struct {
	Kind    ResultKind
	Data    []byte
	Session *Session
}
