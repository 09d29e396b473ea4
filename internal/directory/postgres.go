package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"rollcall/internal/method"
)

// PostgresStudents reads the students table maintained by the CRUD layer.
type PostgresStudents struct {
	db *sql.DB
}

// NewPostgresStudents creates a student directory backed by Postgres.
func NewPostgresStudents(db *sql.DB) *PostgresStudents {
	return &PostgresStudents{db: db}
}

// Get returns one student.
func (p *PostgresStudents) Get(ctx context.Context, id string) (Student, error) {
	var s Student
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, class_id, COALESCE(ref_image_url, ''), face_enrolled
		FROM students WHERE id = $1
	`, id)
	if err := row.Scan(&s.ID, &s.Name, &s.ClassID, &s.RefImageURL, &s.FaceEnrolled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrStudentNotFound
		}
		return Student{}, err
	}
	return s, nil
}

// List returns every student, ordered by id.
func (p *PostgresStudents) List(ctx context.Context) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, class_id, COALESCE(ref_image_url, ''), face_enrolled
		FROM students ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.ClassID, &s.RefImageURL, &s.FaceEnrolled); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetReferenceImage records the student's enrolled face image URL.
func (p *PostgresStudents) SetReferenceImage(ctx context.Context, id, url string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE students
		SET ref_image_url = NULLIF($2, ''), face_enrolled = ($2 <> ''), updated_at = NOW()
		WHERE id = $1
	`, id, url)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// PostgresClasses reads class timing and method configuration.
type PostgresClasses struct {
	db *sql.DB
}

// NewPostgresClasses creates a class directory backed by Postgres.
func NewPostgresClasses(db *sql.DB) *PostgresClasses {
	return &PostgresClasses{db: db}
}

// Get returns one class.
func (p *PostgresClasses) Get(ctx context.Context, id string) (Class, error) {
	var c Class
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(end_of_day, ''), COALESCE(late_after, '')
		FROM classes WHERE id = $1
	`, id)
	if err := row.Scan(&c.ID, &c.Name, &c.EndOfDay, &c.LateAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Class{}, ErrClassNotFound
		}
		return Class{}, err
	}
	return c, nil
}

// MethodConfigs returns the class's configured methods. The table carries a
// UNIQUE (class_id, method) constraint.
func (p *PostgresClasses) MethodConfigs(ctx context.Context, classID string) ([]method.ClassConfig, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT class_id, method, required, COALESCE(config, '{}'::jsonb)
		FROM class_method_configs WHERE class_id = $1
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []method.ClassConfig
	for rows.Next() {
		var (
			cfg method.ClassConfig
			m   string
			raw []byte
		)
		if err := rows.Scan(&cfg.ClassID, &m, &cfg.Required, &raw); err != nil {
			return nil, err
		}
		parsed, err := method.Parse(m)
		if err != nil {
			return nil, err
		}
		cfg.Method = parsed
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &cfg.Config)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ActiveMethods reads the deployment-wide method switches. Methods missing
// from the table default to active.
func (p *PostgresClasses) ActiveMethods(ctx context.Context) (map[method.Method]bool, error) {
	out := make(map[method.Method]bool, len(method.All()))
	for _, mt := range method.All() {
		out[mt] = true
	}
	rows, err := p.db.QueryContext(ctx, `SELECT method, active FROM attendance_methods`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m      string
			active bool
		)
		if err := rows.Scan(&m, &active); err != nil {
			return nil, err
		}
		if parsed, err := method.Parse(m); err == nil {
			out[parsed] = active
		}
	}
	return out, rows.Err()
}
