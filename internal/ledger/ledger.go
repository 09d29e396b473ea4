package ledger

import (
	"context"
	"time"

	"rollcall/internal/method"
)

// Status is a day's final attendance state.
type Status string

const (
	Present Status = "Present"
	Absent  Status = "Absent"
	Late    Status = "Late"
)

// Record is one ledger row: at most one exists per (student, calendar day).
// The first successful commit of the day wins; later commits are no-ops and
// never downgrade or upgrade the recorded status.
type Record struct {
	ID        string        `json:"id"`
	StudentID string        `json:"student_id"`
	ClassID   string        `json:"class_id,omitempty"`
	Date      string        `json:"date"` // YYYY-MM-DD, derived from Timestamp
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Method    method.Method `json:"method,omitempty"`
}

// DateOf derives the ledger day key from a timestamp.
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// Ledger is the single source of truth for per-day attendance.
//
// Commit is an idempotent conditional insert: it reports created=false when a
// record already exists for the student's day, and implementations must make
// that decision atomic under concurrent commits (storage uniqueness on
// (student_id, date) is the backstop).
type Ledger interface {
	Commit(ctx context.Context, rec Record) (created bool, err error)
	HasRecordOn(ctx context.Context, studentID string, day string) (bool, error)
	Query(ctx context.Context, studentID string, from, to time.Time) ([]Record, error)
	QueryByClass(ctx context.Context, classID string, day string) ([]Record, error)
}
