package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/fitglue/ride-ingest/pkg/types"
)

var ErrEmptyMessage = errors.New("ingest message has no event id")

// DecodeIngestMessage extracts the dispatch payload from a delivered
// CloudEvent. Pub/Sub deliveries wrap the published bytes in a
// types.PubSubMessage; those bytes are either a structured CloudEvent (what
// PubSubAdapter publishes) or the bare message JSON. Events delivered
// directly carry the message as their data.
func DecodeIngestMessage(e cloudevents.Event) (types.IngestEventMessage, error) {
	var envelope types.PubSubMessage
	if err := json.Unmarshal(e.Data(), &envelope); err == nil && len(envelope.Message.Data) > 0 {
		return decodePublished(envelope.Message.Data)
	}
	return decodeMessage(e.Data())
}

func decodePublished(data []byte) (types.IngestEventMessage, error) {
	var inner cloudevents.Event
	if err := json.Unmarshal(data, &inner); err == nil && inner.Type() != "" {
		return decodeMessage(inner.Data())
	}
	return decodeMessage(data)
}

func decodeMessage(data []byte) (types.IngestEventMessage, error) {
	var msg types.IngestEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode ingest message: %w", err)
	}
	if msg.EventID == "" {
		return msg, ErrEmptyMessage
	}
	return msg, nil
}
