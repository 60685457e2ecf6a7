package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/testing/mocks"
	"github.com/fitglue/ride-ingest/pkg/types"
)

func TestDispatcher_PublishesIngestEvent(t *testing.T) {
	var gotTopic string
	var got event.Event
	pub := &mocks.MockPublisher{
		PublishCloudEventFunc: func(ctx context.Context, topic string, e event.Event) (string, error) {
			gotTopic, got = topic, e
			return "m-1", nil
		},
	}

	err := NewDispatcher(pub).Dispatch(context.Background(), types.IngestEventMessage{EventID: "evt-1", ProviderUserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, shared.TopicIngestEvent, gotTopic)
	assert.Equal(t, shared.CloudEventTypeIngestEvent, got.Type())
	assert.Equal(t, shared.CloudEventSourceWebhook, got.Source())
	assert.NotEmpty(t, got.ID())

	var msg types.IngestEventMessage
	require.NoError(t, json.Unmarshal(got.Data(), &msg))
	assert.Equal(t, "evt-1", msg.EventID)
}

func TestDispatcher_PublishError(t *testing.T) {
	pub := &mocks.MockPublisher{
		PublishCloudEventFunc: func(context.Context, string, event.Event) (string, error) {
			return "", errors.New("unavailable")
		},
	}
	err := NewDispatcher(pub).Dispatch(context.Background(), types.IngestEventMessage{EventID: "evt-1"})
	assert.ErrorContains(t, err, "unavailable")
}
