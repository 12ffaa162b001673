package protocol

const (
	counterBlockBits = 64
	counterRingSize  = CounterMaxAllowedOOO/counterBlockBits + 1
)

// CounterWindow tracks which message counters have been authenticated under a
// single key generation. Each counter is accepted at most once; counters more
// than CounterMaxAllowedOOO below the highest accepted one are rejected.
// Counter zero is never valid.
//
// Not safe for concurrent use; the owning Session serializes access.
type CounterWindow struct {
	highest      uint64
	lastReceived uint64
	ring         [counterRingSize]uint64
}

// ResetForNewKeyOffer clears all history so that any counter is acceptable again.
func (w *CounterWindow) ResetForNewKeyOffer() {
	*w = CounterWindow{}
}

// MessageReceived records counter as seen and reports whether a message with
// this counter could still be accepted. It is a pre-filter applied before
// authentication and never marks the counter as used.
func (w *CounterWindow) MessageReceived(counter uint64) bool {
	if counter > w.lastReceived {
		w.lastReceived = counter
	}
	if counter == 0 {
		return false
	}
	if counter > w.highest {
		return true
	}
	if w.highest-counter >= CounterMaxAllowedOOO {
		return false
	}
	block, bit := counterSlot(counter)
	return w.ring[block]&bit == 0
}

// MessageAuthenticated marks counter as used. It returns false if the counter
// was already used or fell out of the window.
func (w *CounterWindow) MessageAuthenticated(counter uint64) bool {
	if counter == 0 {
		return false
	}
	if counter > w.highest {
		current := w.highest / counterBlockBits
		target := counter / counterBlockBits
		diff := target - current
		if diff > counterRingSize {
			diff = counterRingSize
		}
		for i := uint64(1); i <= diff; i++ {
			w.ring[(current+i)%counterRingSize] = 0
		}
		w.highest = counter
	} else if w.highest-counter >= CounterMaxAllowedOOO {
		return false
	}
	block, bit := counterSlot(counter)
	old := w.ring[block]
	w.ring[block] = old | bit
	return old&bit == 0
}

// Highest returns the highest authenticated counter.
func (w *CounterWindow) Highest() uint64 {
	return w.highest
}

func counterSlot(counter uint64) (int, uint64) {
	block := (counter / counterBlockBits) % counterRingSize
	return int(block), 1 << (counter % counterBlockBits)
}
