package audit

import (
	"context"
	"time"

	"rollcall/internal/method"
)

// Entry captures one verification attempt or sweep action. Entries are
// append-only: nothing in this system mutates or deletes them. Details holds
// a small structured payload such as the failure reason or match summary,
// never raw image data or PIN material.
type Entry struct {
	ID         string            `json:"id"`
	StudentID  string            `json:"student_id,omitempty"`
	ClassID    string            `json:"class_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Method     method.Method     `json:"method,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Success    bool              `json:"success"`
	Details    map[string]string `json:"details,omitempty"`
	SourceAddr string            `json:"source_addr,omitempty"`
	DeviceInfo string            `json:"device_info,omitempty"`
}

// Recorder accepts entries. The engine writes through this interface so the
// hot path can be backed either by a store directly or by a queue publisher
// drained into the store by the worker.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Log is a queryable audit store. Recent returns entries newest first.
type Log interface {
	Recorder
	Recent(ctx context.Context, limit int) ([]Entry, error)
}
