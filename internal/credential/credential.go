package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PIN holds one student's PIN state. The plaintext PIN is never stored; only
// the bcrypt hash is kept. FailedAttempts and LockedUntil change together
// under the store's per-student serialization.
type PIN struct {
	StudentID      string
	Hash           []byte
	FailedAttempts int
	LockedUntil    *time.Time
	UpdatedAt      time.Time
}

// Card is an NFC card bound one-to-one to a student. The card is the
// identity claim: resolving a card UID yields the student it belongs to.
type Card struct {
	CardUID   string
	StudentID string
	Active    bool
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// Policy controls PIN lockout behavior.
type Policy struct {
	MaxAttempts int           // failures before the lock engages
	LockoutFor  time.Duration // how long the lock holds
}

// DefaultPolicy locks for 15 minutes after 5 consecutive failures.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, LockoutFor: 15 * time.Minute}
}

var (
	// ErrNotConfigured means the student never set a credential of this
	// type. Callers should prompt setup, not retry.
	ErrNotConfigured = errors.New("credential not configured")

	// ErrPINMismatch means the submitted PIN hashed to a different value.
	ErrPINMismatch = errors.New("pin mismatch")

	ErrCardNotFound = errors.New("card not found")
	ErrCardInactive = errors.New("card inactive")
	ErrCardExpired  = errors.New("card expired")
)

// LockedError reports an active PIN lockout. The lock is evaluated lazily:
// nothing clears it on a timer, the next attempt after Until simply proceeds.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("pin locked until %s", e.Until.Format(time.RFC3339))
}

// Remaining returns how long the lock still holds as of now, floored at zero.
func (e *LockedError) Remaining(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store owns hashed PINs and NFC card identifiers per student.
//
// VerifyPIN returns nil when the submission matches; ErrNotConfigured,
// *LockedError or ErrPINMismatch otherwise. A mismatch increments the
// failure counter and may engage the lock; a match resets the counter and
// clears any lock. Implementations serialize the read-modify-write per
// student so concurrent attempts cannot lose a lockout trigger.
//
// VerifyNFC resolves a card UID to its student, failing with ErrCardNotFound,
// ErrCardInactive or ErrCardExpired as applicable.
type Store interface {
	SetPIN(ctx context.Context, studentID, pin string) error
	VerifyPIN(ctx context.Context, studentID, pin string) error
	VerifyNFC(ctx context.Context, cardUID string) (studentID string, err error)
	IssueCard(ctx context.Context, card Card) error
}
