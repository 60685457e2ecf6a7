package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/domain/file_generators"
	"github.com/fitglue/ride-ingest/pkg/domain/fit_parser"
	httputil "github.com/fitglue/ride-ingest/pkg/infrastructure/http"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/storage"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/testing/mocks"
	"github.com/fitglue/ride-ingest/pkg/types"
)

var rideStart = time.Date(2024, 5, 4, 7, 0, 0, 0, time.UTC)

type processorFixture struct {
	store     *memory.Store
	fetcher   *mocks.MockFetcher
	blobs     map[string][]byte
	processor *Processor
}

func newProcessorFixture(t *testing.T, decoder *mocks.MockDecoder) *processorFixture {
	t.Helper()
	f := &processorFixture{
		store:   memory.NewStore(),
		fetcher: &mocks.MockFetcher{},
		blobs:   map[string][]byte{},
	}
	blobStore := &mocks.MockBlobStore{
		WriteFunc: func(ctx context.Context, bucket, object string, data []byte) error {
			f.blobs[object] = data
			return nil
		},
		ReadFunc: func(ctx context.Context, bucket, object string) ([]byte, error) {
			data, ok := f.blobs[object]
			if !ok {
				return nil, errors.New("object not found")
			}
			return data, nil
		},
	}
	var dec shared.RecordDecoder = fit_parser.Decoder{}
	if decoder != nil {
		dec = decoder
	}
	f.processor = NewProcessor(f.store, f.fetcher, dec, &storage.RawArchive{Store: blobStore, Bucket: "raw"}, nil)

	require.NoError(t, f.store.PutIntegration(context.Background(), &types.Integration{
		UserID: "user-1", Provider: "garmin", ProviderUserID: "u1", AccessToken: "tok", SyncEnabled: true,
	}))
	return f
}

func (f *processorFixture) storeEvent(t *testing.T, activityID, fileURL string) string {
	t.Helper()
	e := &types.IngestEvent{
		Provider: "garmin", ProviderUserID: "u1", ProviderActivityID: activityID,
		FileURL: fileURL, FileType: "fit", ReceivedAt: rideStart,
	}
	require.NoError(t, f.store.CreateEvent(context.Background(), e))
	return e.ID
}

func (f *processorFixture) event(t *testing.T, id string) *types.IngestEvent {
	t.Helper()
	e, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func fitRide(t *testing.T, sport string, points int) []byte {
	t.Helper()
	data, err := file_generators.GenerateFitFile(file_generators.SyntheticRide(file_generators.RideOptions{
		Sport:     sport,
		StartTime: rideStart,
		Points:    points,
		DistanceM: 15000,
		Duration:  time.Hour,
	}))
	require.NoError(t, err)
	return data
}

func TestProcessor_ImportsFitRide(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	payload := fitRide(t, "cycling", 500)
	f.fetcher.FetchFunc = func(ctx context.Context, url string, in *types.Integration) ([]byte, error) {
		assert.Equal(t, "https://x/42.fit", url)
		assert.Equal(t, "tok", in.AccessToken)
		return payload, nil
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	res, err := f.processor.Process(ctx, id)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, types.OutcomeImported, res.Outcome)

	activities := f.store.Activities()
	require.Len(t, activities, 1)
	a := activities[0]
	assert.Equal(t, res.ActivityID, a.ID)
	assert.InDelta(t, 15.0, a.DistanceKm, 0.01)
	assert.InDelta(t, 3600.0, a.DurationSec, 1)
	assert.Equal(t, "user-1", a.UserID)
	assert.Equal(t, "42", a.ProviderActivityID)
	assert.Equal(t, 500, a.TrackPointCount)
	assert.True(t, a.HasGPS)
	assert.Len(t, f.store.TrackPoints(a.ID), 500)

	e := f.event(t, id)
	assert.True(t, e.Processed)
	assert.Equal(t, a.ID, e.RouteID)
	assert.Empty(t, e.ProcessError)

	assert.Contains(t, f.blobs, "raw/user-1/"+id+".fit")

	history := f.store.SyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, types.SyncTriggerWebhook, history[0].Trigger)
	assert.Equal(t, 1, history[0].Imported)

	in, _ := f.store.GetIntegration(ctx, "user-1", "garmin")
	require.NotNil(t, in.LastSyncAt)
	assert.Empty(t, in.LastError)
}

func TestProcessor_AlreadyProcessedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	calls := 0
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
		calls++
		return fitRide(t, "cycling", 10), nil
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	_, err := f.processor.Process(ctx, id)
	require.NoError(t, err)
	res, err := f.processor.Process(ctx, id)
	require.NoError(t, err)

	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, 1, calls)
	assert.Len(t, f.store.Activities(), 1)
}

func TestProcessor_TerminalOutcomes(t *testing.T) {
	runningRecord := &types.ProviderRecord{Session: &types.Session{Sport: "running", StartTime: rideStart, TotalDistanceM: 5000}}

	tests := []struct {
		name        string
		setup       func(t *testing.T, f *processorFixture)
		decoder     *mocks.MockDecoder
		activityID  string
		fileURL     string
		wantOutcome types.EventOutcome
		wantKind    string
		wantErrText string
	}{
		{
			name: "no integration",
			setup: func(t *testing.T, f *processorFixture) {
				require.NoError(t, f.store.PutIntegration(context.Background(), &types.Integration{
					UserID: "user-1", Provider: "garmin", ProviderUserID: "someone-else", SyncEnabled: true,
				}))
			},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeFailed,
			wantKind:    "not_found",
			wantErrText: "no integration",
		},
		{
			name: "sync disabled",
			setup: func(t *testing.T, f *processorFixture) {
				require.NoError(t, f.store.PutIntegration(context.Background(), &types.Integration{
					UserID: "user-1", Provider: "garmin", ProviderUserID: "u1", SyncEnabled: false,
				}))
			},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeSyncDisabled,
		},
		{
			name: "upstream failure",
			setup: func(t *testing.T, f *processorFixture) {
				f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
					return nil, &httputil.HTTPError{StatusCode: 404, Status: "Not Found"}
				}
			},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeFailed,
			wantKind:    "upstream",
			wantErrText: "status 404",
		},
		{
			name:        "missing file url",
			setup:       func(t *testing.T, f *processorFixture) {},
			wantOutcome: types.OutcomeFailed,
			wantKind:    "not_found",
		},
		{
			name: "undecodable payload",
			setup: func(t *testing.T, f *processorFixture) {
				f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
					return []byte("definitely not a FIT file"), nil
				}
			},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeFailed,
			wantKind:    "decode",
		},
		{
			name: "no session block",
			setup: func(t *testing.T, f *processorFixture) {
				f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) { return []byte{1}, nil }
			},
			decoder: &mocks.MockDecoder{DecodeFunc: func([]byte, string) (*types.ProviderRecord, error) {
				return &types.ProviderRecord{}, nil
			}},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeFailed,
			wantKind:    "decode",
		},
		{
			name: "non-cycling",
			setup: func(t *testing.T, f *processorFixture) {
				f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) { return []byte{1}, nil }
			},
			decoder: &mocks.MockDecoder{DecodeFunc: func([]byte, string) (*types.ProviderRecord, error) {
				return runningRecord, nil
			}},
			fileURL:     "https://x/1.fit",
			wantOutcome: types.OutcomeNonCycling,
			wantKind:    "non_cycling",
			wantErrText: "running",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, tt.decoder)
			tt.setup(t, f)
			id := f.storeEvent(t, "7", tt.fileURL)

			res, err := f.processor.Process(context.Background(), id)
			require.NoError(t, err, "pipeline failures are recorded, not returned")
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantKind, ErrorKind(res.Err))

			e := f.event(t, id)
			assert.True(t, e.Processed)
			assert.Equal(t, tt.wantOutcome, e.Outcome)
			assert.Contains(t, e.ProcessError, tt.wantErrText)
			assert.Empty(t, f.store.Activities())
		})
	}
}

func TestProcessor_FailureUpdatesIntegration(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
		return nil, errors.New("connection refused")
	}
	id := f.storeEvent(t, "7", "https://x/7.fit")

	_, err := f.processor.Process(ctx, id)
	require.NoError(t, err)

	in, _ := f.store.GetIntegration(ctx, "user-1", "garmin")
	assert.Contains(t, in.LastError, "connection refused")
	history := f.store.SyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Errored)
	require.Len(t, history[0].Errors, 1)
}

func TestProcessor_ExistingActivityShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	existingID, err := f.store.CreateActivity(ctx, &types.Activity{UserID: "user-1", Provider: "garmin", ProviderActivityID: "42"})
	require.NoError(t, err)
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
		t.Fatal("file must not be fetched for a known activity")
		return nil, nil
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	res, err := f.processor.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, existingID, f.event(t, id).RouteID)
}

func TestProcessor_PartialTrackStillImports(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	payload := fitRide(t, "cycling", 2500)
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) { return payload, nil }
	chunk := 0
	f.store.FailTrackInsert = func(string, []types.TrackPoint) error {
		defer func() { chunk++ }()
		if chunk == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	res, err := f.processor.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeImported, res.Outcome)

	a, err := f.store.GetActivity(ctx, res.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, 1500, a.TrackPointCount)
	assert.Len(t, f.store.TrackPoints(a.ID), 1500)

	history := f.store.SyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Imported)
	require.Len(t, history[0].Errors, 1)
	assert.Contains(t, history[0].Errors[0], "1500 of 2500")
}

func TestProcessor_ReprocessUsesArchive(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	fetches := 0
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
		fetches++
		if fetches == 1 {
			return fitRide(t, "running", 10), nil
		}
		return nil, errors.New("provider must not be called on reprocess")
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	res, err := f.processor.Process(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeNonCycling, res.Outcome)

	res, err = f.processor.Reprocess(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, types.OutcomeNonCycling, res.Outcome)
	assert.Equal(t, 1, fetches)
	assert.Len(t, f.store.SyncHistory(), 2)
}

// conflictingDB loses the insert race and then cannot read the winner back.
type conflictingDB struct {
	*memory.Store
	conflicted bool
}

func (d *conflictingDB) CreateActivity(ctx context.Context, a *types.Activity) (string, error) {
	d.conflicted = true
	return "", shared.ErrConflict
}

func (d *conflictingDB) FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error) {
	if d.conflicted {
		return nil, errors.New("firestore unavailable")
	}
	return d.Store.FindActivityByProviderID(ctx, provider, providerActivityID, userID)
}

func TestProcessor_ConflictLookupFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, nil)
	payload := fitRide(t, "cycling", 20)
	f.fetcher.FetchFunc = func(context.Context, string, *types.Integration) ([]byte, error) {
		return payload, nil
	}
	id := f.storeEvent(t, "42", "https://x/42.fit")

	var logs bytes.Buffer
	db := &conflictingDB{Store: f.store}
	p := NewProcessor(db, f.fetcher, fit_parser.Decoder{}, nil, slog.New(slog.NewJSONHandler(&logs, nil)))

	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDuplicate, res.Outcome)
	assert.Empty(t, res.ActivityID)
	assert.Contains(t, logs.String(), "Conflicting activity lookup failed")
	assert.Contains(t, logs.String(), "firestore unavailable")
}

func TestProcessor_UnknownEvent(t *testing.T) {
	f := newProcessorFixture(t, nil)
	_, err := f.processor.Process(context.Background(), "missing")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = f.processor.Reprocess(context.Background(), "missing")
	assert.ErrorAs(t, err, &nf)
}
