package crypto

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(b)
}

// Secret owns a copy of sensitive key material and wipes it on Destroy.
// A destroyed Secret returns nil from Bytes.
type Secret struct {
	mu  sync.Mutex
	buf []byte
}

// NewSecret copies b into a new Secret and wipes the source.
func NewSecret(b []byte) *Secret {
	s := &Secret{buf: make([]byte, len(b))}
	copy(s.buf, b)
	Wipe(b)
	return s
}

// Bytes returns the underlying key material. The slice is invalid after Destroy.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Len returns the size of the secret, or zero once destroyed.
func (s *Secret) Len() int {
	return len(s.Bytes())
}

// Destroy wipes the key material. It is safe to call more than once.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.buf)
	s.buf = nil
}
