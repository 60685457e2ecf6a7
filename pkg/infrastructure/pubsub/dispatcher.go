package pubsub

import (
	"context"
	"fmt"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// Dispatcher hands stored events to the event-processor function through a
// Pub/Sub topic.
type Dispatcher struct {
	Publisher shared.Publisher
	Topic     string
}

var _ shared.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(p shared.Publisher) *Dispatcher {
	return &Dispatcher{Publisher: p, Topic: shared.TopicIngestEvent}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg types.IngestEventMessage) error {
	e, err := NewCloudEvent(shared.CloudEventSourceWebhook, shared.CloudEventTypeIngestEvent, msg)
	if err != nil {
		return fmt.Errorf("build cloud event: %w", err)
	}
	if _, err := d.Publisher.PublishCloudEvent(ctx, d.Topic, e); err != nil {
		return fmt.Errorf("publish to %s: %w", d.Topic, err)
	}
	return nil
}
