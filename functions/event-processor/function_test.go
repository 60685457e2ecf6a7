package eventprocessor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/domain/file_generators"
	"github.com/fitglue/ride-ingest/pkg/domain/fit_parser"
	infrapubsub "github.com/fitglue/ride-ingest/pkg/infrastructure/pubsub"
	"github.com/fitglue/ride-ingest/pkg/ingest"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/testing/mocks"
	"github.com/fitglue/ride-ingest/pkg/types"
)

var rideStart = time.Date(2024, 5, 4, 7, 0, 0, 0, time.UTC)

// unavailableDB fails every event lookup.
type unavailableDB struct {
	*memory.Store
}

func (unavailableDB) GetEvent(context.Context, string) (*types.IngestEvent, error) {
	return nil, errors.New("connection refused")
}

func useService(t *testing.T, db shared.Database, fetcher *mocks.MockFetcher) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc = &bootstrap.Service{
		DB:        db,
		Logger:    logger,
		Processor: ingest.NewProcessor(db, fetcher, fit_parser.Decoder{}, nil, logger),
	}
	t.Cleanup(func() { svc = nil })
	return &buf
}

func pushEvent(t *testing.T, published []byte) event.Event {
	t.Helper()
	var msg types.PubSubMessage
	msg.Message.Data = published
	e := event.New()
	e.SetID("push-1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/" + shared.TopicIngestEvent)
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	require.NoError(t, e.SetData(event.ApplicationJSON, msg))
	return e
}

func dispatched(t *testing.T, eventID string) event.Event {
	t.Helper()
	inner, err := infrapubsub.NewCloudEvent(shared.CloudEventSourceWebhook, shared.CloudEventTypeIngestEvent,
		types.IngestEventMessage{EventID: eventID, ProviderUserID: "u1"})
	require.NoError(t, err)
	b, err := inner.MarshalJSON()
	require.NoError(t, err)
	return pushEvent(t, b)
}

func TestProcessIngestEvent_ImportsRide(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutIntegration(ctx, &types.Integration{
		UserID: "user-1", Provider: "garmin", ProviderUserID: "u1", AccessToken: "tok", SyncEnabled: true,
	}))
	ev := &types.IngestEvent{Provider: "garmin", ProviderUserID: "u1", ProviderActivityID: "42",
		FileURL: "https://files/42.fit", FileType: "fit", ReceivedAt: rideStart}
	require.NoError(t, store.CreateEvent(ctx, ev))

	payload, err := file_generators.GenerateFitFile(file_generators.SyntheticRide(file_generators.RideOptions{
		Sport: "cycling", StartTime: rideStart, Points: 50, DistanceM: 8000, Duration: 30 * time.Minute,
	}))
	require.NoError(t, err)
	useService(t, store, &mocks.MockFetcher{
		FetchFunc: func(context.Context, string, *types.Integration) ([]byte, error) { return payload, nil },
	})

	require.NoError(t, ProcessIngestEvent(ctx, dispatched(t, ev.ID)))

	got, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, types.OutcomeImported, got.Outcome)
	require.Len(t, store.Activities(), 1)
	assert.Len(t, store.TrackPoints(got.RouteID), 50)
}

func TestProcessIngestEvent_PipelineFailureIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ev := &types.IngestEvent{Provider: "garmin", ProviderUserID: "nobody", ProviderActivityID: "42",
		FileURL: "https://files/42.fit", FileType: "fit", ReceivedAt: rideStart}
	require.NoError(t, store.CreateEvent(ctx, ev))
	useService(t, store, &mocks.MockFetcher{})

	require.NoError(t, ProcessIngestEvent(ctx, dispatched(t, ev.ID)))

	got, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, types.OutcomeFailed, got.Outcome)
	assert.Contains(t, got.ProcessError, "integration")
}

func TestProcessIngestEvent_Acknowledged(t *testing.T) {
	tests := []struct {
		name string
		in   func(t *testing.T) event.Event
		log  string
	}{
		{"unknown event", func(t *testing.T) event.Event { return dispatched(t, "missing") }, "Event not found"},
		{"malformed message", func(t *testing.T) event.Event { return pushEvent(t, []byte("garbage")) }, "Dropping undecodable message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := useService(t, memory.NewStore(), &mocks.MockFetcher{})
			assert.NoError(t, ProcessIngestEvent(context.Background(), tt.in(t)))
			assert.Contains(t, buf.String(), tt.log)
		})
	}
}

func TestProcessIngestEvent_StorageFailureIsRetried(t *testing.T) {
	useService(t, unavailableDB{memory.NewStore()}, &mocks.MockFetcher{})

	err := ProcessIngestEvent(context.Background(), dispatched(t, "evt-1"))
	assert.ErrorContains(t, err, "connection refused")
}
