package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/method"
	"rollcall/internal/store"
)

// Postgres persists the ledger. The UNIQUE (student_id, date) constraint on
// attendance_records is the hard backstop for the one-row-per-day invariant;
// Commit leans on it with a conditional insert instead of read-then-write.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a ledger backed by Postgres.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Commit inserts the record unless one already exists for the day.
func (p *Postgres) Commit(ctx context.Context, rec Record) (bool, error) {
	if rec.Date == "" {
		rec.Date = DateOf(rec.Timestamp)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var created bool
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO attendance_records (id, student_id, class_id, date, status, recorded_at, method)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
			ON CONFLICT (student_id, date) DO NOTHING
		`, rec.ID, rec.StudentID, rec.ClassID, rec.Date, rec.Status, rec.Timestamp.UTC(), string(rec.Method))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	return created, err
}

// HasRecordOn reports whether any status is recorded for the day.
func (p *Postgres) HasRecordOn(ctx context.Context, studentID string, day string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE student_id = $1 AND date = $2)
	`, studentID, day).Scan(&exists)
	return exists, err
}

// Query returns a student's records in [from, to], newest first.
func (p *Postgres) Query(ctx context.Context, studentID string, from, to time.Time) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, date, status, recorded_at, COALESCE(method, '')
		FROM attendance_records
		WHERE student_id = $1 AND recorded_at BETWEEN $2 AND $3
		ORDER BY recorded_at DESC
	`, studentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// QueryByClass returns every record for a class on one day.
func (p *Postgres) QueryByClass(ctx context.Context, classID string, day string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, date, status, recorded_at, COALESCE(method, '')
		FROM attendance_records
		WHERE class_id = $1 AND date = $2
		ORDER BY recorded_at DESC
	`, classID, day)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var m string
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.Date, &rec.Status, &rec.Timestamp, &m); err != nil {
			return nil, err
		}
		rec.Method = method.Method(m)
		out = append(out, rec)
	}
	return out, rows.Err()
}
