package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/queue"
)

// MessageType tags audit entries on the queue.
const MessageType = "audit"

// Publisher moves audit writes off the verification hot path: entries go
// onto the queue and the worker drains them into the durable store.
type Publisher struct {
	q queue.Queue
}

// NewPublisher wraps a queue as a Recorder.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Record publishes the entry.
func (p *Publisher) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body})
}

// Decode parses a queued audit message back into an Entry.
func Decode(msg queue.Message) (Entry, error) {
	var e Entry
	err := json.Unmarshal(msg.Body, &e)
	return e, err
}
