package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Postgres persists PIN and card state. PIN verification runs inside a
// transaction holding a row lock on the student's PIN row, so concurrent
// attempts for the same student serialize and the failure counter cannot
// lose an increment.
type Postgres struct {
	db     *sql.DB
	policy Policy
	cost   int
	now    func() time.Time
}

// NewPostgres creates a credential store backed by Postgres.
func NewPostgres(db *sql.DB, policy Policy, bcryptCost int) *Postgres {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Postgres{db: db, policy: policy, cost: bcryptCost, now: time.Now}
}

// SetPIN hashes and upserts the PIN, resetting failure state.
func (p *Postgres) SetPIN(ctx context.Context, studentID, pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), p.cost)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO student_pins (student_id, pin_hash, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, 0, NULL, $3)
		ON CONFLICT (student_id) DO UPDATE SET
			pin_hash = EXCLUDED.pin_hash,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = EXCLUDED.updated_at
	`, studentID, hash, p.now().UTC())
	return err
}

// VerifyPIN implements the lockout state machine documented on Store.
func (p *Postgres) VerifyPIN(ctx context.Context, studentID, pin string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin verify: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		hash        []byte
		failed      int
		lockedUntil sql.NullTime
	)
	row := tx.QueryRowContext(ctx, `
		SELECT pin_hash, failed_attempts, locked_until
		FROM student_pins
		WHERE student_id = $1
		FOR UPDATE
	`, studentID)
	if err := row.Scan(&hash, &failed, &lockedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotConfigured
		}
		return err
	}

	now := p.now()
	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		return &LockedError{Until: lockedUntil.Time}
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(pin)) != nil {
		failed++
		var until any
		if failed >= p.policy.MaxAttempts {
			until = now.Add(p.policy.LockoutFor).UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE student_pins
			SET failed_attempts = $2, locked_until = $3, updated_at = $4
			WHERE student_id = $1
		`, studentID, failed, until, now.UTC()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrPINMismatch
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE student_pins
		SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE student_id = $1
	`, studentID, now.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// VerifyNFC resolves a card UID to its student.
func (p *Postgres) VerifyNFC(ctx context.Context, cardUID string) (string, error) {
	var (
		studentID string
		active    bool
		expiresAt sql.NullTime
	)
	row := p.db.QueryRowContext(ctx, `
		SELECT student_id, active, expires_at
		FROM nfc_cards
		WHERE card_uid = $1
	`, cardUID)
	if err := row.Scan(&studentID, &active, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCardNotFound
		}
		return "", err
	}
	if !active {
		return "", ErrCardInactive
	}
	if expiresAt.Valid && !p.now().Before(expiresAt.Time) {
		return "", ErrCardExpired
	}
	return studentID, nil
}

// IssueCard registers or replaces a student's NFC card.
func (p *Postgres) IssueCard(ctx context.Context, card Card) error {
	issued := card.IssuedAt
	if issued.IsZero() {
		issued = p.now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO nfc_cards (card_uid, student_id, active, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (card_uid) DO UPDATE SET
			student_id = EXCLUDED.student_id,
			active = EXCLUDED.active,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at
	`, card.CardUID, card.StudentID, card.Active, issued.UTC(), card.ExpiresAt)
	return err
}
