package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/ride-ingest/pkg/ingest"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"STORAGE_BACKEND", "DISPATCH", "TRUSTED_PROXY_HOPS", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "IMPORT_PAGE_DELAY", "NEAR_DUP_DISTANCE_KM"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	assert.Equal(t, StorageMemory, cfg.StorageBackend)
	assert.Equal(t, DispatchInline, cfg.Dispatch)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Zero(t, cfg.TrustedProxyHops)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, int64(ingest.DefaultMaxPayloadBytes), cfg.MaxPayloadBytes)
	assert.Equal(t, 200*time.Millisecond, cfg.ImportPageDelay)
	assert.Equal(t, 50, cfg.ImportMaxPages)
	assert.Equal(t, 5*time.Minute, cfg.NearDupWindow)
	assert.InDelta(t, 0.1, cfg.NearDupDistanceKm, 1e-12)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "10s")
	t.Setenv("NEAR_DUP_DISTANCE_KM", "0.25")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("IMPORT_MAX_PAGES", "not-a-number")
	t.Setenv("TRUSTED_PROXY_HOPS", "1")

	cfg := LoadConfig()
	assert.Equal(t, StoragePostgres, cfg.StorageBackend)
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, 10*time.Second, cfg.RateLimitWindow)
	assert.InDelta(t, 0.25, cfg.NearDupDistanceKm, 1e-12)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1, cfg.TrustedProxyHops)
	assert.Equal(t, 50, cfg.ImportMaxPages, "unparsable values fall back to the default")
}

func TestLoadFunctionConfig(t *testing.T) {
	tests := []struct {
		name        string
		storage     string
		hops        string
		wantStorage string
		wantHops    int
		wantErr     bool
	}{
		{name: "defaults to firestore behind one proxy", wantStorage: StorageFirestore, wantHops: 1},
		{name: "postgres kept", storage: "postgres", hops: "2", wantStorage: StoragePostgres, wantHops: 2},
		{name: "explicit zero hops kept", storage: "firestore", hops: "0", wantStorage: StorageFirestore, wantHops: 0},
		{name: "memory refused", storage: "memory", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORAGE_BACKEND", tt.storage)
			t.Setenv("TRUSTED_PROXY_HOPS", tt.hops)

			cfg, err := LoadFunctionConfig()
			if tt.wantErr {
				assert.ErrorContains(t, err, "per-instance")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStorage, cfg.StorageBackend)
			assert.Equal(t, tt.wantHops, cfg.TrustedProxyHops)
		})
	}
}

func TestComponentHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ComponentHandler{Handler: slog.NewJSONHandler(&buf, GetSlogHandlerOptions(slog.LevelInfo))})

	logger.With("component", "webhook-receiver").Info("Webhook event stored", "event_id", "e1")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "[webhook-receiver] Webhook event stored", rec["message"])
	assert.Equal(t, "INFO", rec["severity"])
	assert.Equal(t, "e1", rec["event_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewService_InMemoryPipeline(t *testing.T) {
	cfg := LoadConfig()
	cfg.StorageBackend = StorageMemory
	cfg.Dispatch = DispatchInline
	cfg.RawArchiveBucket = ""
	cfg.EnablePush = false
	cfg.SentryDSN = ""

	svc, err := NewService(context.Background(), "test", cfg)
	require.NoError(t, err)
	defer svc.Close()

	require.IsType(t, &memory.Store{}, svc.DB)
	require.IsType(t, &ingest.WorkerPool{}, svc.Dispatcher)
	require.NotNil(t, svc.Receiver)
	require.NotNil(t, svc.Processor)
	require.NotNil(t, svc.Importer)

	rec := httptest.NewRecorder()
	svc.Receiver.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewService_UnknownBackend(t *testing.T) {
	cfg := LoadConfig()
	cfg.StorageBackend = "cassandra"
	_, err := NewService(context.Background(), "test", cfg)
	assert.ErrorContains(t, err, "STORAGE_BACKEND")
}
