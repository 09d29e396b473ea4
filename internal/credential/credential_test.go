package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T, now *time.Time) *Memory {
	t.Helper()
	return NewMemory(
		Policy{MaxAttempts: 3, LockoutFor: 10 * time.Minute},
		WithBcryptCost(bcrypt.MinCost),
		WithClock(func() time.Time { return *now }),
	)
}

func TestVerifyPINNotConfigured(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)

	err := store.VerifyPIN(context.Background(), "s1", "1234")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyPINMatch(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.SetPIN(ctx, "s1", "4321"))
	assert.NoError(t, store.VerifyPIN(ctx, "s1", "4321"))
}

func TestVerifyPINLockout(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()
	require.NoError(t, store.SetPIN(ctx, "s1", "4321"))

	// Two mismatches leave the counter below the threshold.
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)

	// Third mismatch engages the lock.
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)

	// Even the correct PIN is refused while locked.
	var locked *LockedError
	err := store.VerifyPIN(ctx, "s1", "4321")
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 10*time.Minute, locked.Remaining(now))

	// The lock clears lazily once its window passes.
	now = now.Add(11 * time.Minute)
	assert.NoError(t, store.VerifyPIN(ctx, "s1", "4321"))
}

func TestVerifyPINSuccessResetsCounter(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()
	require.NoError(t, store.SetPIN(ctx, "s1", "4321"))

	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	require.NoError(t, store.VerifyPIN(ctx, "s1", "4321"))

	// After the reset three more failures are needed to lock again.
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	err := store.VerifyPIN(ctx, "s1", "4321")
	assert.NoError(t, err)
}

func TestSetPINClearsLock(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()
	require.NoError(t, store.SetPIN(ctx, "s1", "4321"))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, store.VerifyPIN(ctx, "s1", "0000"), ErrPINMismatch)
	}
	var locked *LockedError
	require.ErrorAs(t, store.VerifyPIN(ctx, "s1", "4321"), &locked)

	require.NoError(t, store.SetPIN(ctx, "s1", "9999"))
	assert.NoError(t, store.VerifyPIN(ctx, "s1", "9999"))
}

func TestVerifyNFC(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()
	expired := now.Add(-time.Hour)

	require.NoError(t, store.IssueCard(ctx, Card{CardUID: "card-ok", StudentID: "s1", Active: true}))
	require.NoError(t, store.IssueCard(ctx, Card{CardUID: "card-off", StudentID: "s2", Active: false}))
	require.NoError(t, store.IssueCard(ctx, Card{CardUID: "card-old", StudentID: "s3", Active: true, ExpiresAt: &expired}))

	studentID, err := store.VerifyNFC(ctx, "card-ok")
	require.NoError(t, err)
	assert.Equal(t, "s1", studentID)

	_, err = store.VerifyNFC(ctx, "card-off")
	assert.ErrorIs(t, err, ErrCardInactive)

	_, err = store.VerifyNFC(ctx, "card-old")
	assert.ErrorIs(t, err, ErrCardExpired)

	_, err = store.VerifyNFC(ctx, "card-missing")
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestIssueCardReplaces(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.IssueCard(ctx, Card{CardUID: "card-1", StudentID: "s1", Active: true}))
	require.NoError(t, store.IssueCard(ctx, Card{CardUID: "card-1", StudentID: "s2", Active: true}))

	studentID, err := store.VerifyNFC(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", studentID)
}
