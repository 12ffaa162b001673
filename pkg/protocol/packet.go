package protocol

import (
	"encoding/binary"
)

// Header represents the cleartext header carried by every datagram.
//
//	[0:8]   routing session id (0 = none)
//	[8]     packet type
//	[9]     fragment count
//	[10]    fragment index
//	[11]    reserved
//	[12:20] counter
type Header struct {
	SessionID     SessionId
	Type          PacketType
	FragmentCount uint8
	FragmentIndex uint8
	Counter       uint64
}

// MarshalTo serializes the header into buf, which must hold HeaderSize bytes.
func (h *Header) MarshalTo(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.SessionID))
	buf[8] = byte(h.Type)
	buf[9] = h.FragmentCount
	buf[10] = h.FragmentIndex
	buf[11] = 0
	binary.BigEndian.PutUint64(buf[12:20], h.Counter)
}

// Marshal serializes the header.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)
	return buf
}

// UnmarshalHeader deserializes the header and returns the fragment payload.
func UnmarshalHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, errPacketTooShort
	}
	h := Header{
		SessionID:     SessionId(binary.BigEndian.Uint64(data[0:8])),
		Type:          PacketType(data[8]),
		FragmentCount: data[9],
		FragmentIndex: data[10],
		Counter:       binary.BigEndian.Uint64(data[12:20]),
	}
	if data[11] != 0 {
		return Header{}, nil, errReservedBits
	}
	if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
		return Header{}, nil, errFragmentBounds
	}
	return h, data[HeaderSize:], nil
}

// messageAAD binds the routing id, packet type and counter to the ciphertext.
func messageAAD(sid SessionId, t PacketType, counter uint64) []byte {
	var aad [17]byte
	binary.BigEndian.PutUint64(aad[0:8], uint64(sid))
	aad[8] = byte(t)
	binary.BigEndian.PutUint64(aad[9:17], counter)
	return aad[:]
}
