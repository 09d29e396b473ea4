package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/audit"
	"rollcall/internal/directory"
	"rollcall/internal/ledger"
)

func cutoffAt(hh, mm int) func(time.Time) time.Time {
	return func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location())
	}
}

func newSweepFixture(t *testing.T) (*Sweep, *ledger.Memory, *directory.Memory, *audit.Memory) {
	t.Helper()
	book := ledger.NewMemory()
	dir := directory.NewMemory()
	auditLog := audit.NewMemory()
	dir.AddClass(directory.Class{ID: "c1", Name: "Algorithms"})
	for _, id := range []string{"s1", "s2", "s3"} {
		dir.AddStudent(directory.Student{ID: id, ClassID: "c1"})
	}
	s := New(book, dir, dir.Classes(), auditLog, cutoffAt(16, 0))
	return s, book, dir, auditLog
}

func TestRunTooEarly(t *testing.T) {
	s, book, _, _ := newSweepFixture(t)
	asOf := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	marked, err := s.Run(context.Background(), asOf)
	assert.ErrorIs(t, err, ErrTooEarly)
	assert.Zero(t, marked)

	has, err := book.HasRecordOn(context.Background(), "s1", ledger.DateOf(asOf))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRunMarksMissingStudents(t *testing.T) {
	s, book, _, auditLog := newSweepFixture(t)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC)

	// s1 checked in during the day.
	_, err := book.Commit(ctx, ledger.Record{
		StudentID: "s1", ClassID: "c1", Status: ledger.Present, Timestamp: asOf.Add(-6 * time.Hour),
	})
	require.NoError(t, err)

	marked, err := s.Run(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	day := ledger.DateOf(asOf)
	for _, tc := range []struct {
		studentID string
		status    ledger.Status
	}{
		{"s1", ledger.Present},
		{"s2", ledger.Absent},
		{"s3", ledger.Absent},
	} {
		recs, err := book.Query(ctx, tc.studentID, asOf.AddDate(0, 0, -1), asOf.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, recs, 1, "student %s", tc.studentID)
		assert.Equal(t, tc.status, recs[0].Status)
		assert.Equal(t, day, recs[0].Date)
	}

	// One audit entry per marked student.
	entries := auditLog.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "absence_sweep", e.Details["action"])
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s, _, _, _ := newSweepFixture(t)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC)

	marked, err := s.Run(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	marked, err = s.Run(ctx, asOf.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, marked)
}

func TestRunHonorsLaterClassEndOfDay(t *testing.T) {
	s, book, dir, _ := newSweepFixture(t)
	ctx := context.Background()
	dir.AddClass(directory.Class{ID: "c2", Name: "Evening Lab", EndOfDay: "20:00"})
	dir.AddStudent(directory.Student{ID: "s4", ClassID: "c2"})
	asOf := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC)

	marked, err := s.Run(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	// The evening class is not final yet at 16:30.
	has, err := book.HasRecordOn(ctx, "s4", ledger.DateOf(asOf))
	require.NoError(t, err)
	assert.False(t, has)

	// A later run picks it up.
	marked, err = s.Run(ctx, asOf.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
}
