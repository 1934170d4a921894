package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/voiceover-service/internal/batch"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventTypeHeader carries the job event type on every published message.
const EventTypeHeader = "Voiceover-Event"

// NatsPublisher publishes job events to <subject>.<event type>.
type NatsPublisher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNatsPublisher creates a publisher rooted at subject.
func NewNatsPublisher(natsConnection *nats.Conn, subject string) *NatsPublisher {
	return &NatsPublisher{natsConnection: natsConnection, subject: subject}
}

// Publish sends event as JSON.
func (p *NatsPublisher) Publish(ctx context.Context, event batch.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	msg := nats.NewMsg(p.subject + "." + string(event.Type))
	msg.Data = data
	msg.Header.Set(EventTypeHeader, string(event.Type))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	err = p.natsConnection.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s for job %s: %w", event.Type, event.Job.ID, err)
	}

	return nil
}
