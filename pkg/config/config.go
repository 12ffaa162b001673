// Package config loads node configuration from TOML.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"meshlink/pkg/crypto"
	"meshlink/pkg/logger"
	"meshlink/pkg/protocol"
	"meshlink/pkg/transport"
)

var ErrInvalid = errors.New("config: invalid")

type peerConfig struct {
	Name      string `toml:"name"`
	PublicKey string `toml:"public_key"`
	PSK       string `toml:"psk"`
	Addr      string `toml:"addr"`
}

type protocolConfig struct {
	RekeyAfterUses          uint64 `toml:"rekey_after_uses"`
	RejectAfterUses         uint64 `toml:"reject_after_uses"`
	RekeyAfterTime          string `toml:"rekey_after_time"`
	HandshakeRetryInterval  string `toml:"handshake_retry_interval"`
	KeyGracePeriod          string `toml:"key_grace_period"`
	FragmentTimeout         string `toml:"fragment_timeout"`
	MaxPartialMessages      int    `toml:"max_partial_messages"`
	MaxReassemblyBytes      int    `toml:"max_reassembly_bytes"`
	HalfOpenTimeout         string `toml:"half_open_timeout"`
	MaxHalfOpenSessions     int    `toml:"max_half_open_sessions"`
	MaxConcurrentHandshakes int    `toml:"max_concurrent_handshakes"`
	MaxUnassociatedMessages int    `toml:"max_unassociated_messages"`
	InitTimestampWindow     string `toml:"init_timestamp_window"`
}

type fileConfig struct {
	Listen          string         `toml:"listen"`
	PrivateKey      string         `toml:"private_key"`
	MTU             int            `toml:"mtu"`
	LogLevel        string         `toml:"log_level"`
	PostQuantum     bool           `toml:"post_quantum"`
	RekeyRateLimit  string         `toml:"rekey_rate_limit"`
	ServiceInterval string         `toml:"service_interval"`
	IdleTimeout     string         `toml:"idle_timeout"`
	InboxSize       int            `toml:"inbox_size"`
	SocketBuffer    int            `toml:"socket_buffer"`
	Protocol        protocolConfig `toml:"protocol"`
	Peers           []peerConfig   `toml:"peer"`
}

// Node is a loaded and validated node configuration.
type Node struct {
	Listen    string
	Identity  *protocol.Identity
	LogLevel  int
	Transport transport.Config
	// GeneratedKey is set when no private_key was configured and a fresh
	// identity was created.
	GeneratedKey bool
}

// Default returns the configuration used for anything a file leaves unset.
func Default() Node {
	return Node{
		Listen:    ":51820",
		LogLevel:  logger.LevelInfo,
		Transport: transport.DefaultConfig(),
	}
}

// Load reads a node configuration file.
func Load(path string) (*Node, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return build(raw, meta)
}

// Parse reads a node configuration from TOML text.
func Parse(data string) (*Node, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return build(raw, meta)
}

func build(raw fileConfig, meta toml.MetaData) (*Node, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	node := Default()
	tc := &node.Transport
	pc := &tc.Protocol

	if meta.IsDefined("listen") {
		node.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("mtu") {
		tc.MTU = raw.MTU
	}
	if meta.IsDefined("log_level") {
		level, err := logger.ParseLevel(raw.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		node.LogLevel = level
	}
	if meta.IsDefined("post_quantum") {
		tc.PostQuantum = raw.PostQuantum
	}
	if meta.IsDefined("inbox_size") {
		tc.InboxSize = raw.InboxSize
	}
	if meta.IsDefined("socket_buffer") {
		tc.SocketBuffer = raw.SocketBuffer
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"rekey_rate_limit", raw.RekeyRateLimit, &tc.RekeyRateLimit},
		{"service_interval", raw.ServiceInterval, &tc.ServiceInterval},
		{"idle_timeout", raw.IdleTimeout, &tc.IdleTimeout},
		{"protocol.rekey_after_time", raw.Protocol.RekeyAfterTime, &pc.RekeyAfterTime},
		{"protocol.handshake_retry_interval", raw.Protocol.HandshakeRetryInterval, &pc.HandshakeRetryInterval},
		{"protocol.key_grace_period", raw.Protocol.KeyGracePeriod, &pc.KeyGracePeriod},
		{"protocol.fragment_timeout", raw.Protocol.FragmentTimeout, &pc.FragmentTimeout},
		{"protocol.half_open_timeout", raw.Protocol.HalfOpenTimeout, &pc.HalfOpenTimeout},
		{"protocol.init_timestamp_window", raw.Protocol.InitTimestampWindow, &pc.InitTimestampWindow},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("protocol", "rekey_after_uses") {
		pc.RekeyAfterUses = raw.Protocol.RekeyAfterUses
	}
	if meta.IsDefined("protocol", "reject_after_uses") {
		pc.RejectAfterUses = raw.Protocol.RejectAfterUses
	}
	if meta.IsDefined("protocol", "max_partial_messages") {
		pc.MaxPartialMessages = raw.Protocol.MaxPartialMessages
	}
	if meta.IsDefined("protocol", "max_reassembly_bytes") {
		pc.MaxReassemblyBytes = raw.Protocol.MaxReassemblyBytes
	}
	if meta.IsDefined("protocol", "max_half_open_sessions") {
		pc.MaxHalfOpenSessions = raw.Protocol.MaxHalfOpenSessions
	}
	if meta.IsDefined("protocol", "max_concurrent_handshakes") {
		pc.MaxConcurrentHandshakes = raw.Protocol.MaxConcurrentHandshakes
	}
	if meta.IsDefined("protocol", "max_unassociated_messages") {
		pc.MaxUnassociatedMessages = raw.Protocol.MaxUnassociatedMessages
	}

	identity, generated, err := loadIdentity(raw.PrivateKey)
	if err != nil {
		return nil, err
	}
	node.Identity = identity
	node.GeneratedKey = generated

	seen := make(map[crypto.PublicKey]string)
	for i, p := range raw.Peers {
		peer, err := buildPeer(i, p)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[peer.PublicKey]; dup {
			return nil, fmt.Errorf("%w: peers %q and %q share a public key", ErrInvalid, other, peer.Name)
		}
		if peer.PublicKey == identity.Public {
			return nil, fmt.Errorf("%w: peer %q is this node", ErrInvalid, peer.Name)
		}
		seen[peer.PublicKey] = peer.Name
		tc.Peers = append(tc.Peers, peer)
	}

	if err := node.Validate(); err != nil {
		return nil, err
	}
	return &node, nil
}

func loadIdentity(keyHex string) (*protocol.Identity, bool, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		id, err := protocol.GenerateIdentity()
		return id, true, err
	}
	priv, err := crypto.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, false, fmt.Errorf("%w: private_key: %v", ErrInvalid, err)
	}
	id, err := protocol.NewIdentity(priv)
	if err != nil {
		return nil, false, fmt.Errorf("%w: private_key: %v", ErrInvalid, err)
	}
	return id, false, nil
}

func buildPeer(i int, p peerConfig) (transport.Peer, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = fmt.Sprintf("peer-%d", i)
	}
	pub, err := crypto.ParsePublicKey(strings.TrimSpace(p.PublicKey))
	if err != nil {
		return transport.Peer{}, fmt.Errorf("%w: peer %q public_key: %v", ErrInvalid, name, err)
	}
	psk, err := hex.DecodeString(strings.TrimSpace(p.PSK))
	if err != nil {
		return transport.Peer{}, fmt.Errorf("%w: peer %q psk: %v", ErrInvalid, name, err)
	}
	if len(psk) != protocol.PSKSize {
		return transport.Peer{}, fmt.Errorf("%w: peer %q psk must be %d bytes, got %d", ErrInvalid, name, protocol.PSKSize, len(psk))
	}
	return transport.Peer{
		Name:      name,
		PublicKey: pub,
		PSK:       psk,
		Addr:      strings.TrimSpace(p.Addr),
	}, nil
}

// Validate checks the node configuration.
func (n *Node) Validate() error {
	if n.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if n.Identity == nil {
		return fmt.Errorf("%w: no identity", ErrInvalid)
	}
	tc := n.Transport
	if tc.MTU < protocol.MinMTU || tc.MTU > protocol.MaxMTU {
		return fmt.Errorf("%w: mtu %d outside [%d, %d]", ErrInvalid, tc.MTU, protocol.MinMTU, protocol.MaxMTU)
	}
	if tc.ServiceInterval <= 0 || tc.IdleTimeout <= 0 || tc.InboxSize <= 0 {
		return fmt.Errorf("%w: service_interval, idle_timeout and inbox_size must be positive", ErrInvalid)
	}
	if tc.RekeyRateLimit < 0 {
		return fmt.Errorf("%w: rekey_rate_limit is negative", ErrInvalid)
	}
	if err := tc.Protocol.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Peer returns the configured peer with the given name.
func (n *Node) Peer(name string) (transport.Peer, bool) {
	for _, p := range n.Transport.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return transport.Peer{}, false
}
