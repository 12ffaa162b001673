package protocol

import (
	"time"
)

// fragmentCount returns how many fragments message needs at the given mtu.
func fragmentCount(messageLen, mtu int) int {
	per := mtu - HeaderSize
	if messageLen == 0 {
		return 1
	}
	return (messageLen + per - 1) / per
}

// sendFragmented splits message into fragments sized to mtuBuffer and hands
// each one to transmit in order. The caller has already checked the fragment
// count against MaxFragments.
func sendFragmented(transmit TransmitFunc, mtuBuffer []byte, hdr Header, message []byte) {
	per := len(mtuBuffer) - HeaderSize
	count := fragmentCount(len(message), len(mtuBuffer))
	hdr.FragmentCount = uint8(count)
	for i := 0; i < count; i++ {
		start := i * per
		end := start + per
		if end > len(message) {
			end = len(message)
		}
		hdr.FragmentIndex = uint8(i)
		hdr.MarshalTo(mtuBuffer)
		n := copy(mtuBuffer[HeaderSize:], message[start:end])
		transmit(mtuBuffer[:HeaderSize+n])
	}
}

// maxFragmentsFor returns how many fragments a message of at most limit
// bytes may legitimately arrive in. Senders never fragment below MinMTU.
func maxFragmentsFor(limit int) int {
	if n := fragmentCount(limit, MinMTU); n < MaxFragments {
		return n
	}
	return MaxFragments
}

// maxMessageSize is the largest message a peer can send at mtu.
func maxMessageSize(mtu int) int {
	return MaxFragments * (mtu - HeaderSize)
}

// fragmentedMessage collects the fragments of one message id.
type fragmentedMessage struct {
	count    uint8
	have     uint64
	received int
	size     int
	limit    int
	pieces   [MaxFragments][]byte
	created  time.Time
}

func newFragmentedMessage(count uint8, limit int, now time.Time) *fragmentedMessage {
	return &fragmentedMessage{count: count, limit: limit, created: now}
}

// add stores one fragment and reports whether the message is complete.
// Duplicate fragments are ignored. A message growing past its limit is an
// error.
func (m *fragmentedMessage) add(h Header, payload []byte) (bool, error) {
	if h.FragmentCount != m.count {
		return false, errFragmentMismatch
	}
	bit := uint64(1) << h.FragmentIndex
	if m.have&bit != 0 {
		return false, nil
	}
	if m.size+len(payload) > m.limit {
		return false, errMessageOversized
	}
	piece := make([]byte, len(payload))
	copy(piece, payload)
	m.pieces[h.FragmentIndex] = piece
	m.have |= bit
	m.received++
	m.size += len(piece)
	return m.received == int(m.count), nil
}

func (m *fragmentedMessage) assemble() []byte {
	out := make([]byte, 0, m.size)
	for i := 0; i < int(m.count); i++ {
		out = append(out, m.pieces[i]...)
	}
	return out
}

// reassembler holds partial messages for one session, keyed by counter. It
// keeps at most maxMessages partial messages and, beyond the message being
// added, at most maxBytes of buffered fragments.
type reassembler struct {
	messages    map[uint64]*fragmentedMessage
	maxMessages int
	maxBytes    int
	bytes       int
}

func newReassembler(maxMessages, maxBytes int) *reassembler {
	return &reassembler{
		messages:    make(map[uint64]*fragmentedMessage),
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
	}
}

// add feeds one fragment of a message of at most limit bytes. It returns the
// complete message once every fragment has arrived, or errPartialMessage
// while fragments are still missing. An inconsistent fragment count or a
// message exceeding limit discards the partial message.
func (r *reassembler) add(h Header, payload []byte, limit int, now time.Time) ([]byte, error) {
	if int(h.FragmentCount) > maxFragmentsFor(limit) {
		r.drop(h.Counter)
		return nil, errFragmentBounds
	}
	if h.FragmentCount == 1 {
		if len(payload) > limit {
			return nil, errMessageOversized
		}
		return payload, nil
	}

	m, ok := r.messages[h.Counter]
	if !ok {
		if len(r.messages) >= r.maxMessages {
			r.evictOldest(h.Counter)
		}
		m = newFragmentedMessage(h.FragmentCount, limit, now)
		r.messages[h.Counter] = m
	}
	for r.bytes+len(payload) > r.maxBytes {
		if !r.evictOldest(h.Counter) {
			break
		}
	}

	before := m.size
	complete, err := m.add(h, payload)
	if err != nil {
		r.drop(h.Counter)
		return nil, err
	}
	r.bytes += m.size - before
	if !complete {
		return nil, errPartialMessage
	}
	r.drop(h.Counter)
	return m.assemble(), nil
}

func (r *reassembler) drop(id uint64) {
	if m, ok := r.messages[id]; ok {
		r.bytes -= m.size
		delete(r.messages, id)
	}
}

// evictOldest drops the oldest partial message other than keep and reports
// whether there was one.
func (r *reassembler) evictOldest(keep uint64) bool {
	var oldestID uint64
	var oldest *fragmentedMessage
	for id, m := range r.messages {
		if id == keep {
			continue
		}
		if oldest == nil || m.created.Before(oldest.created) {
			oldestID, oldest = id, m
		}
	}
	if oldest == nil {
		return false
	}
	r.drop(oldestID)
	return true
}

// expire drops partial messages older than timeout.
func (r *reassembler) expire(now time.Time, timeout time.Duration) {
	for id, m := range r.messages {
		if now.Sub(m.created) > timeout {
			r.drop(id)
		}
	}
}

func (r *reassembler) pending() int {
	return len(r.messages)
}

func (r *reassembler) buffered() int {
	return r.bytes
}

func (r *reassembler) clear() {
	for id := range r.messages {
		delete(r.messages, id)
	}
	r.bytes = 0
}
