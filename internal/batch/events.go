package batch

import (
	"context"
	"time"
)

// EventType names a job transition.
type EventType string

// Job transitions published to observers.
const (
	EventQueued     EventType = "job.queued"
	EventProcessing EventType = "job.processing"
	EventProgress   EventType = "job.progress"
	EventCompleted  EventType = "job.completed"
	EventFailed     EventType = "job.failed"
	EventDeleted    EventType = "job.deleted"
)

// JobEvent describes a job right after a transition.
type JobEvent struct {
	Type       EventType `json:"type"`
	Job        Job       `json:"job"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher receives job events. Publishing is best effort and never affects a job.
type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event JobEvent) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event JobEvent) error {
	return f(ctx, event)
}
