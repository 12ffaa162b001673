package protocol

import (
	"sync"
	"time"

	"meshlink/pkg/crypto"
)

// SessionTable maps local session ids to sessions, with a secondary index by
// remote identity. Lookups take a read lock; inserts and removals are rare.
type SessionTable struct {
	lock       sync.RWMutex
	sessions   map[SessionId]*Session
	byIdentity map[crypto.PublicKey]SessionId
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions:   make(map[SessionId]*Session),
		byIdentity: make(map[crypto.PublicKey]SessionId),
	}
}

// Get returns the session with the given local id.
func (t *SessionTable) Get(id SessionId) (*Session, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// GetByIdentity returns the newest session with the given remote identity.
func (t *SessionTable) GetByIdentity(pub crypto.PublicKey) (*Session, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	id, ok := t.byIdentity[pub]
	if !ok {
		return nil, false
	}
	s, ok := t.sessions[id]
	return s, ok
}

// Insert adds s. If another session with the same remote identity exists it
// is removed from the table and returned so the caller can close it.
func (t *SessionTable) Insert(s *Session) (superseded *Session) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if oldID, ok := t.byIdentity[s.remote]; ok && oldID != s.id {
		superseded = t.sessions[oldID]
		delete(t.sessions, oldID)
	}
	t.sessions[s.id] = s
	t.byIdentity[s.remote] = s.id
	return superseded
}

// Contains reports whether id is in use.
func (t *SessionTable) Contains(id SessionId) bool {
	_, ok := t.Get(id)
	return ok
}

// Remove deletes the session with the given id and returns it.
func (t *SessionTable) Remove(id SessionId) (*Session, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	delete(t.sessions, id)
	if t.byIdentity[s.remote] == id {
		delete(t.byIdentity, s.remote)
	}
	return s, true
}

// Len returns the number of sessions.
func (t *SessionTable) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.sessions)
}

// Snapshot returns a copy of the current session list.
func (t *SessionTable) Snapshot() []*Session {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ExpireIdle removes and closes sessions with no authenticated traffic for
// longer than idle. Sessions still handshaking are measured from creation.
func (t *SessionTable) ExpireIdle(now time.Time, idle time.Duration) []*Session {
	var expired []*Session
	for _, s := range t.Snapshot() {
		if now.Sub(s.LastActivity()) > idle {
			if _, ok := t.Remove(s.id); ok {
				s.Close()
				expired = append(expired, s)
			}
		}
	}
	return expired
}
