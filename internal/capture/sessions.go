// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionKey is the reusable 4-tuple identifying concurrent sessions.
type sessionKey struct {
	uid      uint32
	remoteIP string
	port     int
	protocol string
}

// Session is one in-flight network session. Byte counters accumulate until
// the matching close event finalizes it.
type Session struct {
	ID        string
	Key       sessionKey
	StartedAt time.Time
	BytesSent int64
	BytesRecv int64
}

// SessionTable tracks in-flight sessions. A 4-tuple may be reused by
// concurrent sessions: each open appends a new session for the tuple, and
// data and close events pair first-in-first-out with the oldest one.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[sessionKey][]*Session
	count    int
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[sessionKey][]*Session)}
}

// Open starts a new session for the event's 4-tuple.
func (t *SessionTable) Open(ev RawEvent) *Session {
	key := keyOf(ev)
	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		StartedAt: ev.Time,
		BytesSent: ev.BytesSent,
		BytesRecv: ev.BytesRecv,
	}
	t.mu.Lock()
	t.sessions[key] = append(t.sessions[key], s)
	t.count++
	t.mu.Unlock()
	return s
}

// Data accumulates byte counters on the oldest in-flight session for the
// tuple. Returns false when no session is in flight.
func (t *SessionTable) Data(ev RawEvent) bool {
	key := keyOf(ev)
	t.mu.Lock()
	defer t.mu.Unlock()
	stack := t.sessions[key]
	if len(stack) == 0 {
		return false
	}
	s := stack[0]
	s.BytesSent += ev.BytesSent
	s.BytesRecv += ev.BytesRecv
	return true
}

// Close finalizes and removes the oldest in-flight session for the tuple
// (opens and closes pair first-in-first-out when a tuple is reused).
// Returns nil for a close without a matching open.
func (t *SessionTable) Close(ev RawEvent) *Session {
	key := keyOf(ev)
	t.mu.Lock()
	defer t.mu.Unlock()
	stack := t.sessions[key]
	if len(stack) == 0 {
		return nil
	}
	s := stack[0]
	if len(stack) == 1 {
		delete(t.sessions, key)
	} else {
		t.sessions[key] = stack[1:]
	}
	t.count--
	s.BytesSent += ev.BytesSent
	s.BytesRecv += ev.BytesRecv
	return s
}

// Flush removes and returns every in-flight session, for shutdown.
func (t *SessionTable) Flush() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for _, stack := range t.sessions {
		out = append(out, stack...)
	}
	t.sessions = make(map[sessionKey][]*Session)
	t.count = 0
	return out
}

// Active returns the number of in-flight sessions.
func (t *SessionTable) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func keyOf(ev RawEvent) sessionKey {
	return sessionKey{
		uid:      ev.UID,
		remoteIP: ev.RemoteIP,
		port:     ev.RemotePort,
		protocol: ev.Protocol,
	}
}
