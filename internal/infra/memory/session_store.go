package memory

import (
	"sync"

	"quiz-session-service/internal/app"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Get(roomID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[roomID]
	return session, ok
}

func (s *SessionStore) Put(roomID string, session *app.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[roomID] = session
}

func (s *SessionStore) Delete(roomID string, session *app.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[roomID]; !ok || current != session {
		return false
	}
	delete(s.sessions, roomID)
	return true
}

func (s *SessionStore) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
