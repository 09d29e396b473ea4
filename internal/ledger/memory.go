package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Ledger. A single mutex around the day map gives
// the same commit atomicity the Postgres uniqueness constraint provides.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record // studentID + "|" + date
}

// NewMemory builds an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func key(studentID, date string) string { return studentID + "|" + date }

// Commit inserts the record unless one already exists for the day.
func (m *Memory) Commit(ctx context.Context, rec Record) (bool, error) {
	if rec.Date == "" {
		rec.Date = DateOf(rec.Timestamp)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.StudentID, rec.Date)
	if _, exists := m.records[k]; exists {
		return false, nil
	}
	m.records[k] = rec
	return true, nil
}

// HasRecordOn reports whether any status is recorded for the day.
func (m *Memory) HasRecordOn(ctx context.Context, studentID string, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.records[key(studentID, day)]
	return exists, nil
}

// Query returns a student's records in [from, to], newest first.
func (m *Memory) Query(ctx context.Context, studentID string, from, to time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.StudentID != studentID {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out, nil
}

// QueryByClass returns every record for a class on one day.
func (m *Memory) QueryByClass(ctx context.Context, classID string, day string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.ClassID == classID && rec.Date == day {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
}
