package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/method"
	"rollcall/internal/store"
)

// Postgres persists audit entries. Details is stored as JSONB.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates an audit log backed by Postgres.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Record appends an entry.
func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	return store.WithRetry(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO audit_log (id, student_id, class_id, session_id, method, recorded_at, success, details, source_addr, device_info)
			VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), $6, $7, $8, NULLIF($9,''), NULLIF($10,''))
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.StudentID, e.ClassID, e.SessionID, string(e.Method), e.Timestamp.UTC(), e.Success, details, e.SourceAddr, e.DeviceInfo)
		return err
	})
}

// Recent returns up to limit entries, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(student_id,''), COALESCE(class_id,''), COALESCE(session_id,''),
		       COALESCE(method,''), recorded_at, success, details,
		       COALESCE(source_addr,''), COALESCE(device_info,'')
		FROM audit_log
		ORDER BY recorded_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			m       string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.ClassID, &e.SessionID, &m, &e.Timestamp, &e.Success, &details, &e.SourceAddr, &e.DeviceInfo); err != nil {
			return nil, err
		}
		e.Method = method.Method(m)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
