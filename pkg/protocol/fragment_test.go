package protocol

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReassemblyBytes = 1 << 20

var testMessageLimit = maxMessageSize(1280)

func collectFragments(t *testing.T, message []byte, mtu int) [][]byte {
	t.Helper()
	var out [][]byte
	sendFragmented(func(b []byte) {
		require.LessOrEqual(t, len(b), mtu)
		out = append(out, append([]byte(nil), b...))
	}, make([]byte, mtu), Header{SessionID: 9, Type: PacketData, Counter: 77}, message)
	return out
}

func feed(t *testing.T, r *reassembler, frags [][]byte) ([]byte, int) {
	t.Helper()
	partial := 0
	for _, f := range frags {
		hdr, payload, err := UnmarshalHeader(f)
		require.NoError(t, err)
		msg, err := r.add(hdr, payload, testMessageLimit, testEpoch)
		if err == errPartialMessage {
			partial++
			continue
		}
		require.NoError(t, err)
		return msg, partial
	}
	return nil, partial
}

func TestFragmentRoundTripInOrder(t *testing.T) {
	message := make([]byte, 5000)
	rand.Read(message)

	frags := collectFragments(t, message, 1000)
	require.Len(t, frags, fragmentCount(len(message), 1000))

	msg, partial := feed(t, newReassembler(4, testReassemblyBytes), frags)
	assert.Equal(t, len(frags)-1, partial)
	assert.True(t, bytes.Equal(message, msg))
}

func TestFragmentRoundTripShuffled(t *testing.T) {
	message := make([]byte, 40000)
	rand.Read(message)

	frags := collectFragments(t, message, 1280)
	rand.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

	msg, _ := feed(t, newReassembler(4, testReassemblyBytes), frags)
	assert.True(t, bytes.Equal(message, msg))
}

func TestFragmentDuplicatesIgnored(t *testing.T) {
	message := bytes.Repeat([]byte("abc"), 1000)
	frags := collectFragments(t, message, 500)
	withDup := append([][]byte{frags[0]}, frags...)

	msg, _ := feed(t, newReassembler(4, testReassemblyBytes), withDup)
	assert.Equal(t, message, msg)
}

func TestSingleFragmentPassesThrough(t *testing.T) {
	frags := collectFragments(t, []byte("small"), 1280)
	require.Len(t, frags, 1)

	msg, partial := feed(t, newReassembler(4, testReassemblyBytes), frags)
	assert.Equal(t, 0, partial)
	assert.Equal(t, []byte("small"), msg)
}

func TestFragmentCountMismatchDiscardsMessage(t *testing.T) {
	r := newReassembler(4, testReassemblyBytes)
	first := Header{Type: PacketData, FragmentCount: 3, FragmentIndex: 0, Counter: 5}
	_, err := r.add(first, []byte("a"), testMessageLimit, testEpoch)
	assert.ErrorIs(t, err, errPartialMessage)

	bad := Header{Type: PacketData, FragmentCount: 4, FragmentIndex: 1, Counter: 5}
	_, err = r.add(bad, []byte("b"), testMessageLimit, testEpoch)
	assert.ErrorIs(t, err, errFragmentMismatch)
	assert.Equal(t, 0, r.pending())
}

func TestOversizedFragmentCountDiscardsMessage(t *testing.T) {
	r := newReassembler(4, testReassemblyBytes)
	_, err := r.add(Header{FragmentCount: 2, FragmentIndex: 0, Counter: 5}, []byte("a"), testMessageLimit, testEpoch)
	require.ErrorIs(t, err, errPartialMessage)

	_, err = r.add(Header{FragmentCount: MaxFragments + 1, FragmentIndex: 0, Counter: 5}, []byte("b"), testMessageLimit, testEpoch)
	assert.ErrorIs(t, err, errFragmentBounds)
	assert.Equal(t, 0, r.pending())
}

func TestReassemblerBoundedAndExpires(t *testing.T) {
	r := newReassembler(2, testReassemblyBytes)
	for c := uint64(1); c <= 3; c++ {
		_, err := r.add(Header{FragmentCount: 2, Counter: c}, []byte("x"), testMessageLimit, testEpoch.Add(time.Duration(c)*time.Second))
		require.ErrorIs(t, err, errPartialMessage)
	}
	assert.Equal(t, 2, r.pending())
	_, oldest := r.messages[1]
	assert.False(t, oldest)

	r.expire(testEpoch.Add(time.Minute), 10*time.Second)
	assert.Equal(t, 0, r.pending())
}

func TestReassemblerEnforcesMessageLimit(t *testing.T) {
	r := newReassembler(4, testReassemblyBytes)
	piece := make([]byte, 300)

	_, err := r.add(Header{FragmentCount: 3, FragmentIndex: 0, Counter: 1}, piece, 500, testEpoch)
	require.ErrorIs(t, err, errPartialMessage)
	_, err = r.add(Header{FragmentCount: 3, FragmentIndex: 1, Counter: 1}, piece, 500, testEpoch)
	assert.ErrorIs(t, err, errMessageOversized)
	assert.Equal(t, 0, r.pending())
	assert.Equal(t, 0, r.buffered())

	_, err = r.add(Header{FragmentCount: 1, Counter: 2}, make([]byte, 501), 500, testEpoch)
	assert.ErrorIs(t, err, errMessageOversized)
}

func TestReassemblerFragmentCountFollowsLimit(t *testing.T) {
	r := newReassembler(4, testReassemblyBytes)
	limit := maxFragmentsFor(maxInitSize)
	require.Less(t, limit, MaxFragments)

	_, err := r.add(Header{FragmentCount: uint8(limit + 1), Counter: 1}, []byte("x"), maxInitSize, testEpoch)
	assert.ErrorIs(t, err, errFragmentBounds)

	_, err = r.add(Header{FragmentCount: uint8(limit), Counter: 1}, []byte("x"), maxInitSize, testEpoch)
	assert.ErrorIs(t, err, errPartialMessage)
}

func TestReassemblerByteBudget(t *testing.T) {
	r := newReassembler(32, 1000)
	piece := make([]byte, 300)
	for c := uint64(1); c <= 10; c++ {
		_, err := r.add(Header{FragmentCount: 2, Counter: c}, piece, testMessageLimit, testEpoch.Add(time.Duration(c)*time.Millisecond))
		require.ErrorIs(t, err, errPartialMessage)
		assert.LessOrEqual(t, r.buffered(), 1000)
	}
	_, newest := r.messages[10]
	assert.True(t, newest)
	_, oldest := r.messages[1]
	assert.False(t, oldest)

	// a single message larger than the budget still completes on its own
	big := make([]byte, 600)
	now := testEpoch.Add(time.Second)
	for i := uint8(0); i < 2; i++ {
		_, err := r.add(Header{FragmentCount: 3, FragmentIndex: i, Counter: 99}, big, 2000, now)
		require.ErrorIs(t, err, errPartialMessage)
	}
	assert.Equal(t, 1, r.pending())
	msg, err := r.add(Header{FragmentCount: 3, FragmentIndex: 2, Counter: 99}, big, 2000, now)
	require.NoError(t, err)
	assert.Len(t, msg, 1800)
	assert.Equal(t, 0, r.buffered())
}
