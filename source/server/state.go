package server

import (
	"sync"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/sync/semaphore"

	"lp-gateway-go/pkg/logger"
	"lp-gateway-go/pkg/metrics"
	"lp-gateway-go/source/protocol"
)

// SessionEntry wraps one state machine with its activity timestamp and a
// per-entry lock. Entries are shared across connection tasks (a
// subsession created on one connection may be driven from another), so
// at most one task mutates an entry at a time; the maps themselves are
// concurrent and never lock across send I/O.
type SessionEntry struct {
	mu           sync.Mutex
	Machine      *protocol.StateMachine
	lastActivity time.Time
}

// NewSessionEntry wraps a machine with a fresh activity timestamp.
func NewSessionEntry(machine *protocol.StateMachine) *SessionEntry {
	return &SessionEntry{Machine: machine, lastActivity: time.Now()}
}

// Lock / Unlock guard the embedded state machine.
func (e *SessionEntry) Lock()   { e.mu.Lock() }
func (e *SessionEntry) Unlock() { e.mu.Unlock() }

// Touch refreshes the activity timestamp for TTL accounting.
func (e *SessionEntry) Touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *SessionEntry) idleSince(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastActivity)
}

// OuterKey returns the entry's outer-AEAD key if derivable. Held only
// briefly during routing.
func (e *SessionEntry) OuterKey() *protocol.OuterKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Machine.OuterAeadKey()
}

// HandlerState is the state shared by every connection handler: the
// handshake and session maps keyed by receiver index, the local
// identity, and the forward-open semaphore.
type HandlerState struct {
	Config Config

	LocalStatic noise.DHKey

	handshakes sync.Map // uint32 -> *SessionEntry
	sessions   sync.Map // uint32 -> *SessionEntry

	ForwardSem *semaphore.Weighted
}

// NewHandlerState builds the shared state for a listener.
func NewHandlerState(cfg Config, localStatic noise.DHKey) *HandlerState {
	return &HandlerState{
		Config:      cfg,
		LocalStatic: localStatic,
		ForwardSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentForwards)),
	}
}

// GetHandshake returns the in-progress handshake entry for idx, if any.
func (s *HandlerState) GetHandshake(idx uint32) (*SessionEntry, bool) {
	v, ok := s.handshakes.Load(idx)
	if !ok {
		return nil, false
	}
	return v.(*SessionEntry), true
}

// GetSession returns the established session entry for idx, if any.
func (s *HandlerState) GetSession(idx uint32) (*SessionEntry, bool) {
	v, ok := s.sessions.Load(idx)
	if !ok {
		return nil, false
	}
	return v.(*SessionEntry), true
}

// KnownIndex reports whether idx is occupied by either map.
func (s *HandlerState) KnownIndex(idx uint32) bool {
	if _, ok := s.handshakes.Load(idx); ok {
		return true
	}
	_, ok := s.sessions.Load(idx)
	return ok
}

// PutHandshake stores a handshake entry.
func (s *HandlerState) PutHandshake(idx uint32, e *SessionEntry) {
	s.handshakes.Store(idx, e)
}

// PromoteHandshake moves a completed handshake into the session map.
func (s *HandlerState) PromoteHandshake(idx uint32) {
	if v, ok := s.handshakes.LoadAndDelete(idx); ok {
		s.sessions.Store(idx, v)
	}
}

// PutSession stores an established session entry.
func (s *HandlerState) PutSession(idx uint32, e *SessionEntry) {
	s.sessions.Store(idx, e)
}

// RemoveSession deletes a session entry.
func (s *HandlerState) RemoveSession(idx uint32) {
	s.sessions.Delete(idx)
}

// OuterKeyFor resolves the outer-AEAD key used for routing a packet with
// the given receiver index. Bootstrap and unknown indices parse in the
// clear; the latter error out during routing.
func (s *HandlerState) OuterKeyFor(idx uint32) *protocol.OuterKey {
	if idx == protocol.BootstrapReceiverIdx {
		return nil
	}
	if e, ok := s.GetHandshake(idx); ok {
		return e.OuterKey()
	}
	if e, ok := s.GetSession(idx); ok {
		return e.OuterKey()
	}
	return nil
}

// CleanupStale evicts handshake and session entries that have been idle
// past their TTLs. Read-only sessions age out the same way.
func (s *HandlerState) CleanupStale(now time.Time) {
	evicted := 0

	s.handshakes.Range(func(key, value any) bool {
		if value.(*SessionEntry).idleSince(now) > s.Config.HandshakeTTL {
			s.handshakes.Delete(key)
			evicted++
		}
		return true
	})
	s.sessions.Range(func(key, value any) bool {
		if value.(*SessionEntry).idleSince(now) > s.Config.SessionTTL {
			s.sessions.Delete(key)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		metrics.SessionsEvicted.Add(float64(evicted))
		logger.L().WithField("evicted", evicted).Debug("cleaned up stale session state")
	}
}
