package session

import (
	"context"
	"crypto/rand"
	"errors"
	"time"
)

// Session is a time-boxed attendance window for one class, identified by a
// short human-enterable code. A session is usable while Active and before
// ExpiresAt; after that it resolves as expired but stays queryable for audit.
type Session struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ClassID   string    `json:"class_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

var (
	// ErrNotFound means the code was never issued (or has been garbage
	// collected by the surrounding CRUD layer).
	ErrNotFound = errors.New("session not found")

	// ErrExpired means the code is known but its window has closed. Kept
	// distinct from ErrNotFound so clients can tell "re-acquire a code"
	// from "you typed garbage".
	ErrExpired = errors.New("session expired")
)

// Registry owns class attendance sessions.
type Registry interface {
	Create(ctx context.Context, classID string, ttl time.Duration) (Session, error)
	Resolve(ctx context.Context, code string) (Session, error)
	Deactivate(ctx context.Context, code string) error
}

// Codes avoid ambiguous glyphs so they survive being read off a projector.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength gives 32^6, about 1e9 possibilities, enough to resist guessing
// within a session's TTL behind the API rate limit.
const CodeLength = 6

func newCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// check validates a stored session against now, mapping dead sessions to
// ErrExpired. Shared by every Registry implementation.
func check(s Session, now time.Time) (Session, error) {
	if !s.Active || !now.Before(s.ExpiresAt) {
		return s, ErrExpired
	}
	return s, nil
}
