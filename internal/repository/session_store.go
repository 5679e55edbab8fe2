package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/paybychance/paybychance/internal/models"
)

// ErrSessionNotFound is returned by Load when nothing is stored.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists the client session across restarts.
type SessionStore interface {
	Load(ctx context.Context) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the session in process memory only.
type MemoryStore struct {
	mu      sync.RWMutex
	session *models.Session
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, ErrSessionNotFound
	}
	return s.session.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = persisted(session)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// persisted strips the fields that never leave memory.
func persisted(session *models.Session) *models.Session {
	c := session.Clone()
	if c != nil {
		c.RefreshToken = ""
	}
	return c
}
