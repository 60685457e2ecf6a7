package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/ride-ingest/pkg/infrastructure/ratelimit"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/testing/mocks"
	"github.com/fitglue/ride-ingest/pkg/types"
)

type receiverFixture struct {
	store      *memory.Store
	dispatcher *mocks.MockDispatcher
	receiver   *Receiver
	clock      *testclock.Clock
}

func newReceiverFixture(cfg ReceiverConfig, limit int) *receiverFixture {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	f := &receiverFixture{
		store:      memory.NewStore(),
		dispatcher: &mocks.MockDispatcher{},
		clock:      clk,
	}
	f.receiver = NewReceiver(f.store, f.dispatcher, ratelimit.NewMemory(limit, time.Minute, clk), cfg, nil)
	f.receiver.now = clk.Now
	return f
}

func (f *receiverFixture) post(body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.receiver.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) WebhookResponse {
	t.Helper()
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestReceiver_AcceptsAndDispatches(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)

	rec := f.post(`{"userId":"u1","activityId":"42","fileUrl":"https://x/42.fit","uploadTimestamp":1717228800}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.EventID)

	events := f.store.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, resp.EventID, e.ID)
	assert.False(t, e.Processed)
	assert.Equal(t, "garmin", e.Provider)
	assert.Equal(t, "fit", e.FileType)
	require.NotNil(t, e.StartTime)
	assert.Equal(t, time.Unix(1717228800, 0).UTC(), *e.StartTime)
	assert.NotEmpty(t, e.RawPayload)

	dispatched := f.dispatcher.Dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, resp.EventID, dispatched[0].EventID)
}

func TestReceiver_DuplicateDelivery(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)
	body := `{"userId":"u1","activityId":"42","fileUrl":"https://x/42.fit"}`

	first := decodeResponse(t, f.post(body))
	rec := f.post(body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeResponse(t, rec)

	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, "duplicate event", second.Message)
	assert.Len(t, f.store.Events(), 1)
	assert.Len(t, f.dispatcher.Dispatched(), 1)
}

func TestReceiver_EventsWithoutActivityIDAreNotDeduplicated(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)
	f.post(`{"userId":"u1"}`)
	f.post(`{"userId":"u1"}`)
	assert.Len(t, f.store.Events(), 2)
}

func TestReceiver_Validation(t *testing.T) {
	const secret = "s3cret"
	signed := func(body string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set(SignatureHeader, Sign(secret, []byte(body))) }
	}

	tests := []struct {
		name   string
		body   string
		mutate []func(*http.Request)
		want   int
	}{
		{
			name:   "wrong content type",
			body:   `{"userId":"u1"}`,
			mutate: []func(*http.Request){func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") }},
			want:   http.StatusUnsupportedMediaType,
		},
		{
			name: "content type with charset",
			body: `{"userId":"u1"}`,
			mutate: []func(*http.Request){
				func(r *http.Request) { r.Header.Set("Content-Type", "application/json; charset=utf-8") },
				signed(`{"userId":"u1"}`),
			},
			want: http.StatusOK,
		},
		{name: "missing signature", body: `{"userId":"u1"}`, want: http.StatusUnauthorized},
		{
			name:   "bad signature",
			body:   `{"userId":"u1"}`,
			mutate: []func(*http.Request){signed(`{"userId":"u2"}`)},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "signature checked before structure",
			body:   `not json`,
			mutate: []func(*http.Request){signed(`other`)},
			want:   http.StatusUnauthorized,
		},
		{name: "not an object", body: `[1,2]`, mutate: []func(*http.Request){signed(`[1,2]`)}, want: http.StatusBadRequest},
		{name: "missing userId", body: `{"activityId":"1"}`, mutate: []func(*http.Request){signed(`{"activityId":"1"}`)}, want: http.StatusBadRequest},
		{name: "numeric userId", body: `{"userId":7}`, mutate: []func(*http.Request){signed(`{"userId":7}`)}, want: http.StatusBadRequest},
		{
			name:   "numeric activityId",
			body:   `{"userId":"u1","activityId":42}`,
			mutate: []func(*http.Request){signed(`{"userId":"u1","activityId":42}`)},
			want:   http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReceiverFixture(ReceiverConfig{Secret: secret}, 100)
			rec := f.post(tt.body, tt.mutate...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusOK {
				assert.False(t, decodeResponse(t, rec).Success)
				assert.Empty(t, f.store.Events())
				assert.Empty(t, f.dispatcher.Dispatched())
			}
		})
	}
}

func TestReceiver_SizeCheckedBeforeContentType(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{MaxPayloadBytes: 16}, 100)
	rec := f.post(`{"userId":"u1","padding":"xxxxxxxxxxxxxxxxxxxxxxxx"}`, func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceiver_RateLimit(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)

	for i := 1; i <= 100; i++ {
		rec := f.post(`{"userId":"u1"}`)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		f.clock.Advance(500 * time.Millisecond)
	}
	rec := f.post(`{"userId":"u1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, f.store.Events(), 100)

	// A different peer has its own window.
	rec = f.post(`{"userId":"u1"}`, func(r *http.Request) { r.RemoteAddr = "198.51.100.1:40000" })
	assert.Equal(t, http.StatusOK, rec.Code)

	// Once the window slides past the earliest hits the original client is admitted again.
	f.clock.Advance(11 * time.Second)
	assert.Equal(t, http.StatusOK, f.post(`{"userId":"u1"}`).Code)
}

func TestReceiver_DispatchFailureStillAcknowledges(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)
	f.dispatcher.DispatchFunc = func(context.Context, types.IngestEventMessage) error {
		return errors.New("queue full")
	}

	rec := f.post(`{"userId":"u1","activityId":"9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeResponse(t, rec).Message, "deferred")
	assert.Len(t, f.store.Events(), 1)
}

func TestReceiver_Health(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)
	rec := httptest.NewRecorder()
	f.receiver.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2024-06-01T08:00:00Z", body["timestamp"])
}

func TestReceiver_MethodNotAllowed(t *testing.T) {
	f := newReceiverFixture(ReceiverConfig{}, 100)
	rec := httptest.NewRecorder()
	f.receiver.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"userId":"u1"}`)
	sig := Sign("k", body)
	assert.True(t, VerifySignature("k", body, sig))
	assert.True(t, VerifySignature("k", body, strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("k", body, "sha256=zz"))
	assert.False(t, VerifySignature("k", body, ""))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		forwarded []string
		hops      int
		expected  string
	}{
		{"no proxy uses the peer", nil, 0, "192.0.2.1"},
		{"forwarded header ignored without trusted hops", []string{"203.0.113.9"}, 0, "192.0.2.1"},
		{"one hop takes the rightmost entry", []string{" 6.6.6.6 , 203.0.113.9"}, 1, "203.0.113.9"},
		{"two hops", []string{"6.6.6.6, 203.0.113.9, 10.0.0.1"}, 2, "203.0.113.9"},
		{"entries across repeated headers", []string{"6.6.6.6", "203.0.113.9, 10.0.0.1"}, 2, "203.0.113.9"},
		{"fewer entries than hops", []string{"203.0.113.9"}, 3, "203.0.113.9"},
		{"trusted hops without header", nil, 1, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "192.0.2.1:4000"
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.expected, ClientIP(req, tt.hops))
		})
	}
}

func TestReceiver_RateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	for _, hops := range []int{0, 1} {
		t.Run(fmt.Sprintf("hops=%d", hops), func(t *testing.T) {
			f := newReceiverFixture(ReceiverConfig{TrustedProxyHops: hops}, 100)

			limited := 0
			for i := 0; i < 150; i++ {
				rec := f.post(`{"userId":"u1"}`, func(r *http.Request) {
					// A client rotating its own X-Forwarded-For prefix; the
					// trusted proxy appends the real address.
					r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d, 203.0.113.50", i))
				})
				if rec.Code == http.StatusTooManyRequests {
					limited++
				}
			}
			assert.Equal(t, 50, limited)
		})
	}
}
