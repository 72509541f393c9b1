package vad

import (
	"sort"
	"sync"
	"time"
)

// sessionState is the hysteresis state of one audio stream.
type sessionState struct {
	mu sync.Mutex

	speaking       bool
	silenceFrames  int
	silenceSamples int

	// Monitoring only; not part of the state machine.
	chunks       uint64
	events       uint64
	createdAt    time.Time
	lastActivity time.Time
}

func (s *sessionState) reset() {
	s.speaking = false
	s.silenceFrames = 0
	s.silenceSamples = 0
}

func (s *sessionState) snapshot(id string) SessionSnapshot {
	return SessionSnapshot{
		ID:             id,
		Speaking:       s.speaking,
		SilenceFrames:  s.silenceFrames,
		SilenceSamples: s.silenceSamples,
		Chunks:         s.chunks,
		Events:         s.events,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
	}
}

// SessionSnapshot is a point-in-time copy of one session's state.
type SessionSnapshot struct {
	ID             string    `json:"session_id"`
	Speaking       bool      `json:"speaking"`
	SilenceFrames  int       `json:"silence_frames"`
	SilenceSamples int       `json:"silence_samples"`
	Chunks         uint64    `json:"chunks"`
	Events         uint64    `json:"events"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// sessionStore maps session ids to their state.
//
// Mutations of a session happen while holding the table read lock and the
// session mutex. clear takes the table write lock, so it waits for in-flight
// mutations and nothing can be written into a dropped state afterwards.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*sessionState)}
}

// update runs fn on the state of id under its lock, creating the state first
// if needed. It reports whether this call created the state.
func (s *sessionStore) update(id string, now time.Time, fn func(*sessionState)) bool {
	created := false
	for {
		s.mu.RLock()
		st, ok := s.sessions[id]
		if ok {
			st.mu.Lock()
			fn(st)
			st.mu.Unlock()
			s.mu.RUnlock()
			return created
		}
		s.mu.RUnlock()

		s.mu.Lock()
		if _, ok := s.sessions[id]; !ok {
			s.sessions[id] = &sessionState{createdAt: now, lastActivity: now}
			created = true
		}
		s.mu.Unlock()
	}
}

// reset zeroes the state of id. It reports whether the session existed.
func (s *sessionStore) reset(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return false
	}
	st.mu.Lock()
	st.reset()
	st.mu.Unlock()
	return true
}

// clear drops every session and returns how many there were.
func (s *sessionStore) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sessions)
	s.sessions = make(map[string]*sessionState)
	return n
}

func (s *sessionStore) get(id string) (SessionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return SessionSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(id), true
}

func (s *sessionStore) list() []SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(s.sessions))
	for id, st := range s.sessions {
		st.mu.Lock()
		out = append(out, st.snapshot(id))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
