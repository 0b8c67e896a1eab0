package accounting

import (
	"context"
	"sync"
)

// Store persists session state keyed by the NAS-assigned session id. The
// state machine is the only writer; dashboards read through List.
type Store interface {
	// Get returns a copy of the session, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Put creates or replaces a session.
	Put(ctx context.Context, session *Session) error

	// ActiveByNAS returns copies of every active session on the given NAS.
	ActiveByNAS(ctx context.Context, nasID string) ([]*Session, error)

	// List returns copies of all sessions, active and closed.
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore is the default single-instance Store: a map guarded by an
// RWMutex with a per-NAS index of active sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byNAS    map[string]map[string]struct{} // NAS id -> active session ids
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byNAS:    make(map[string]map[string]struct{}),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.sessions[session.SessionID]; ok && prev.NASID != session.NASID {
		s.unindex(prev)
	}
	s.sessions[session.SessionID] = session.clone()

	if session.Active {
		ids, ok := s.byNAS[session.NASID]
		if !ok {
			ids = make(map[string]struct{})
			s.byNAS[session.NASID] = ids
		}
		ids[session.SessionID] = struct{}{}
	} else {
		s.unindex(session)
	}

	return nil
}

func (s *MemoryStore) unindex(session *Session) {
	if ids, ok := s.byNAS[session.NASID]; ok {
		delete(ids, session.SessionID)
		if len(ids) == 0 {
			delete(s.byNAS, session.NASID)
		}
	}
}

// ActiveByNAS implements Store.
func (s *MemoryStore) ActiveByNAS(_ context.Context, nasID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.byNAS[nasID]
	if !ok {
		return nil, nil
	}

	sessions := make([]*Session, 0, len(ids))
	for id := range ids {
		if session, ok := s.sessions[id]; ok {
			sessions = append(sessions, session.clone())
		}
	}
	return sessions, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session.clone())
	}
	return sessions, nil
}
