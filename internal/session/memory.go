package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Registry for tests and single-node dev runs.
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemory builds an empty in-memory registry.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, sessions: make(map[string]Session)}
}

// Create issues a fresh session code for the class.
func (m *Memory) Create(ctx context.Context, classID string, ttl time.Duration) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		code, err := newCode()
		if err != nil {
			return Session{}, err
		}
		if _, taken := m.sessions[code]; taken {
			continue
		}
		now := m.now()
		s := Session{
			ID:        uuid.NewString(),
			Code:      code,
			ClassID:   classID,
			StartedAt: now,
			ExpiresAt: now.Add(ttl),
			Active:    true,
		}
		m.sessions[code] = s
		return s, nil
	}
}

// Resolve looks up a code, distinguishing expired from unknown.
func (m *Memory) Resolve(ctx context.Context, code string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[code]
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return check(s, m.now())
}

// Deactivate closes a session early.
func (m *Memory) Deactivate(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	m.sessions[code] = s
	return nil
}
