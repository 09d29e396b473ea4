package credential

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Memory is an in-process Store for tests and single-node dev runs. Each
// student's PIN state mutates under its own mutex so concurrent attempts
// serialize exactly like the row lock in the Postgres implementation.
type Memory struct {
	policy Policy
	cost   int
	now    func() time.Time

	mu    sync.Mutex
	pins  map[string]*pinEntry
	cards map[string]Card
}

type pinEntry struct {
	mu  sync.Mutex
	pin PIN
}

// MemoryOption tweaks a Memory store.
type MemoryOption func(*Memory)

// WithBcryptCost overrides the hash cost; tests pass bcrypt.MinCost.
func WithBcryptCost(cost int) MemoryOption {
	return func(m *Memory) { m.cost = cost }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory builds an empty in-memory store.
func NewMemory(policy Policy, opts ...MemoryOption) *Memory {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	m := &Memory{
		policy: policy,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		pins:   make(map[string]*pinEntry),
		cards:  make(map[string]Card),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) entry(studentID string) *pinEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pins[studentID]
	if !ok {
		e = &pinEntry{}
		m.pins[studentID] = e
	}
	return e
}

// SetPIN hashes and stores the PIN, clearing any prior failure state.
func (m *Memory) SetPIN(ctx context.Context, studentID, pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), m.cost)
	if err != nil {
		return err
	}
	e := m.entry(studentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pin = PIN{StudentID: studentID, Hash: hash, UpdatedAt: m.now()}
	return nil
}

// VerifyPIN implements the lockout state machine documented on Store.
func (m *Memory) VerifyPIN(ctx context.Context, studentID, pin string) error {
	e := m.entry(studentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pin.Hash) == 0 {
		return ErrNotConfigured
	}

	now := m.now()
	if e.pin.LockedUntil != nil && now.Before(*e.pin.LockedUntil) {
		return &LockedError{Until: *e.pin.LockedUntil}
	}

	if bcrypt.CompareHashAndPassword(e.pin.Hash, []byte(pin)) != nil {
		e.pin.FailedAttempts++
		if e.pin.FailedAttempts >= m.policy.MaxAttempts {
			until := now.Add(m.policy.LockoutFor)
			e.pin.LockedUntil = &until
		}
		e.pin.UpdatedAt = now
		return ErrPINMismatch
	}

	e.pin.FailedAttempts = 0
	e.pin.LockedUntil = nil
	e.pin.UpdatedAt = now
	return nil
}

// VerifyNFC resolves a card UID to its student.
func (m *Memory) VerifyNFC(ctx context.Context, cardUID string) (string, error) {
	m.mu.Lock()
	card, ok := m.cards[cardUID]
	m.mu.Unlock()
	if !ok {
		return "", ErrCardNotFound
	}
	if !card.Active {
		return "", ErrCardInactive
	}
	if card.ExpiresAt != nil && !m.now().Before(*card.ExpiresAt) {
		return "", ErrCardExpired
	}
	return card.StudentID, nil
}

// IssueCard registers or replaces an NFC card.
func (m *Memory) IssueCard(ctx context.Context, card Card) error {
	if card.IssuedAt.IsZero() {
		card.IssuedAt = m.now()
	}
	m.mu.Lock()
	m.cards[card.CardUID] = card
	m.mu.Unlock()
	return nil
}
