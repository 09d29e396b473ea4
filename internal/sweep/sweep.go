package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rollcall/internal/audit"
	"rollcall/internal/directory"
	"rollcall/internal/ledger"
	"rollcall/internal/metrics"
)

// ErrTooEarly means the sweep was invoked before the end-of-day cutoff; it
// refuses to run rather than marking everyone absent mid-day.
var ErrTooEarly = errors.New("class day has not ended yet")

// Sweep finalizes the day's ledger: every student without a record gets an
// Absent row. Safe to run repeatedly because ledger commits are idempotent
// per day.
type Sweep struct {
	book     ledger.Ledger
	students directory.Students
	classes  directory.Classes
	auditor  audit.Recorder
	cutoff   func(t time.Time) time.Time // deployment default end-of-day
	workers  int
	logger   *slog.Logger
}

// Option tweaks a Sweep.
type Option func(*Sweep)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweep) { s.logger = logger }
}

// WithWorkers bounds sweep parallelism.
func WithWorkers(n int) Option {
	return func(s *Sweep) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New builds a sweep. cutoff maps an instant to that day's default
// end-of-day; per-class EndOfDay overrides it when set.
func New(book ledger.Ledger, students directory.Students, classes directory.Classes, auditor audit.Recorder, cutoff func(time.Time) time.Time, opts ...Option) *Sweep {
	s := &Sweep{
		book:     book,
		students: students,
		classes:  classes,
		auditor:  auditor,
		cutoff:   cutoff,
		workers:  8,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run marks every student without a ledger entry today as Absent, as of
// asOf. Returns how many rows it created. Students are processed
// independently: one bad record logs and moves on instead of aborting the
// batch.
func (s *Sweep) Run(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.Before(s.cutoff(asOf)) {
		return 0, ErrTooEarly
	}

	students, err := s.students.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list students: %w", err)
	}

	day := ledger.DateOf(asOf)
	var marked atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, st := range students {
		st := st
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			created, err := s.sweepStudent(ctx, st, day, asOf)
			if err != nil {
				// Partial failure: account for it and keep sweeping.
				s.logger.Error("sweep failed for student", "student_id", st.ID, "err", err)
				return nil
			}
			if created {
				marked.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(marked.Load()), err
	}

	n := int(marked.Load())
	metrics.SweepMarked.Add(float64(n))
	s.logger.Info("absence sweep finished", "date", day, "marked", n, "students", len(students))
	return n, nil
}

func (s *Sweep) sweepStudent(ctx context.Context, st directory.Student, day string, asOf time.Time) (bool, error) {
	// Honor a later per-class end of day: that class's students are not
	// final yet and get picked up by the next run.
	if class, err := s.classes.Get(ctx, st.ClassID); err == nil {
		if end, ok := directory.TimeOfDayOn(class.EndOfDay, asOf); ok && asOf.Before(end) {
			return false, nil
		}
	}

	has, err := s.book.HasRecordOn(ctx, st.ID, day)
	if err != nil {
		return false, err
	}
	if has {
		s.logger.Debug("already recorded today", "student_id", st.ID, "date", day)
		return false, nil
	}

	created, err := s.book.Commit(ctx, ledger.Record{
		StudentID: st.ID,
		ClassID:   st.ClassID,
		Status:    ledger.Absent,
		Timestamp: asOf,
	})
	if err != nil {
		return false, err
	}
	if created {
		if err := s.auditor.Record(ctx, audit.Entry{
			StudentID: st.ID,
			ClassID:   st.ClassID,
			Timestamp: asOf,
			Success:   true,
			Details:   map[string]string{"action": "absence_sweep", "status": string(ledger.Absent)},
		}); err != nil {
			s.logger.Error("sweep audit write failed", "student_id", st.ID, "err", err)
		}
	}
	return created, nil
}
