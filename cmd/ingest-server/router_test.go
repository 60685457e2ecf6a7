package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/domain/fit_parser"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/auth"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/ratelimit"
	"github.com/fitglue/ride-ingest/pkg/ingest"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/testing/mocks"
	"github.com/fitglue/ride-ingest/pkg/types"
)

var authCfg = auth.Config{Secret: "internal"}

type emptySource struct{}

func (emptySource) ListActivities(context.Context, *types.Integration, ingest.PageQuery) ([]ingest.ImportItem, error) {
	return nil, nil
}

type serverFixture struct {
	store      *memory.Store
	dispatcher *mocks.MockDispatcher
	server     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{store: memory.NewStore(), dispatcher: &mocks.MockDispatcher{}}
	svc := &bootstrap.Service{
		DB:         f.store,
		Dispatcher: f.dispatcher,
		Receiver:   ingest.NewReceiver(f.store, f.dispatcher, ratelimit.NewMemory(100, time.Minute, clock.WallClock), ingest.ReceiverConfig{}, nil),
		Processor:  ingest.NewProcessor(f.store, &mocks.MockFetcher{}, fit_parser.Decoder{}, nil, nil),
		Importer:   ingest.NewImporter(f.store, emptySource{}, nil, ingest.ImporterConfig{PageDelay: -1}, nil),
	}
	require.NoError(t, f.store.PutIntegration(context.Background(), &types.Integration{
		UserID: "user-1", Provider: "strava", ProviderUserID: "athlete-9", AccessToken: "tok", SyncEnabled: true,
	}))
	f.server = httptest.NewServer(newRouter(svc, authCfg))
	t.Cleanup(f.server.Close)
	return f
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authCfg.Secret))
	require.NoError(t, err)
	return s
}

func (f *serverFixture) do(t *testing.T, method, path, bearer, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRouter_Webhook(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.do(t, http.MethodPost, "/webhook", "", `{"userId":"u1","activityId":"42","fileUrl":"https://x/42.fit"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, f.dispatcher.Dispatched(), 1)

	resp, body = f.do(t, http.MethodGet, "/webhook", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)

	resp, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_Import(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name       string
		bearer     string
		body       string
		wantStatus int
	}{
		{"own history", token(t, "user-1", ""), `{"userId":"user-1"}`, http.StatusOK},
		{"service on behalf of user", token(t, "ops", auth.RoleService), `{"userId":"user-1"}`, http.StatusOK},
		{"another user", token(t, "user-2", ""), `{"userId":"user-1"}`, http.StatusForbidden},
		{"no token", "", `{"userId":"user-1"}`, http.StatusUnauthorized},
		{"unknown integration", token(t, "user-9", ""), `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/import", tt.bearer, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)
		})
	}
}

func TestRouter_Reprocess(t *testing.T) {
	f := newServerFixture(t)
	ev := &types.IngestEvent{Provider: "garmin", ProviderUserID: "nobody", ProviderActivityID: "7",
		FileURL: "https://x/7.fit", FileType: "fit", ReceivedAt: time.Now()}
	require.NoError(t, f.store.CreateEvent(context.Background(), ev))

	resp, body := f.do(t, http.MethodPost, "/events/"+ev.ID+"/reprocess", token(t, "ops", auth.RoleService), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, ev.ID, out["eventId"])
	assert.Equal(t, string(types.OutcomeFailed), out["outcome"])
	assert.Contains(t, out["error"], "integration")

	resp, _ = f.do(t, http.MethodPost, "/events/missing/reprocess", token(t, "ops", auth.RoleService), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/events/"+ev.ID+"/reprocess", token(t, "user-1", ""), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouter_Metrics(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, http.MethodPost, "/webhook", "", `{"userId":"u1"}`)

	resp, body := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ride_ingest_webhook_responses_total")
}

type pendingStore struct {
	*memory.Store
}

func (s pendingStore) UnprocessedEvents(ctx context.Context, limit int) ([]*types.IngestEvent, error) {
	var out []*types.IngestEvent
	for _, e := range s.Events() {
		if !e.Processed {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func TestRedispatchPending(t *testing.T) {
	ctx := context.Background()
	store := pendingStore{memory.NewStore()}
	pending := &types.IngestEvent{Provider: "garmin", ProviderUserID: "u1", ProviderActivityID: "1", ReceivedAt: time.Now()}
	done := &types.IngestEvent{Provider: "garmin", ProviderUserID: "u1", ProviderActivityID: "2", ReceivedAt: time.Now()}
	require.NoError(t, store.CreateEvent(ctx, pending))
	require.NoError(t, store.CreateEvent(ctx, done))
	require.NoError(t, store.CompleteEvent(ctx, done.ID, types.EventCompletion{Outcome: types.OutcomeImported, At: time.Now()}))

	dispatcher := &mocks.MockDispatcher{}
	redispatchPending(ctx, &bootstrap.Service{DB: store, Dispatcher: dispatcher, Logger: slog.Default()})

	require.Len(t, dispatcher.Dispatched(), 1)
	assert.Equal(t, pending.ID, dispatcher.Dispatched()[0].EventID)
	assert.Equal(t, "u1", dispatcher.Dispatched()[0].ProviderUserID)
}

func TestRedispatchPending_BacklogLargerThanQueue(t *testing.T) {
	ctx := context.Background()
	store := pendingStore{memory.NewStore()}
	for i := 0; i < 40; i++ {
		require.NoError(t, store.CreateEvent(ctx, &types.IngestEvent{
			Provider: "garmin", ProviderUserID: "u1", ProviderActivityID: fmt.Sprint(i), ReceivedAt: time.Now(),
		}))
	}

	var handled atomic.Int32
	pool := ingest.NewWorkerPool(2, 4, time.Second, func(context.Context, types.IngestEventMessage) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	}, nil)

	redispatchPending(ctx, &bootstrap.Service{DB: store, Dispatcher: pool, Logger: slog.Default()})
	pool.Close()

	assert.Equal(t, int32(40), handled.Load())
}

type unavailableEvents struct {
	*memory.Store
}

func (unavailableEvents) GetEvent(context.Context, string) (*types.IngestEvent, error) {
	return nil, errors.New("connection refused")
}

func TestReprocessHandler_StorageFailureUsesServiceLogger(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	p := ingest.NewProcessor(unavailableEvents{memory.NewStore()}, &mocks.MockFetcher{}, fit_parser.Decoder{}, nil, nil)

	r := chi.NewRouter()
	r.Post("/events/{eventID}/reprocess", reprocessHandler(p, authCfg, logger))
	req := httptest.NewRequest(http.MethodPost, "/events/evt-1/reprocess", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "svc", auth.RoleService))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, logs.String(), `"msg":"Reprocess failed"`)
	assert.Contains(t, logs.String(), `"event_id":"evt-1"`)
	assert.Contains(t, logs.String(), "connection refused")
}
