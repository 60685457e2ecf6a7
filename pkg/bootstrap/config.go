package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/dedup"
	"github.com/fitglue/ride-ingest/pkg/ingest"
	"github.com/fitglue/ride-ingest/pkg/integrations/strava"
)

const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"

	DispatchInline = "inline"
	DispatchPubSub = "pubsub"
	DispatchKafka  = "kafka"
	// DispatchLog only logs; for deployments that never dispatch.
	DispatchLog = "log"
)

// Config holds standard configuration for all services
type Config struct {
	ProjectID       string
	Environment     string
	SentryDSN       string
	LogLevel        string
	CredentialsFile string

	StorageBackend string
	DatabaseURL    string

	WebhookSecret    string
	TrustedProxyHops int
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxPayloadBytes  int64
	RawArchiveBucket string

	Dispatch        string
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	IngestWorkers   int
	IngestQueueSize int
	IngestTimeout   time.Duration

	ImportPageDelay   time.Duration
	ImportMaxPages    int
	NearDupWindow     time.Duration
	NearDupDistanceKm float64
	StravaAPIBase     string

	EnablePush        bool
	InternalJWTSecret string
	HTTPAddr          string
}

// LoadConfig reads configuration from environment variables
func LoadConfig() *Config {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	return &Config{
		ProjectID:       projectID,
		Environment:     getEnv("ENVIRONMENT", "dev"),
		SentryDSN:       os.Getenv("SENTRY_DSN"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_FILE"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageMemory)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),

		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		TrustedProxyHops: getIntEnv("TRUSTED_PROXY_HOPS", 0),
		RateLimitMax:     getIntEnv("RATE_LIMIT_MAX", 100),
		RateLimitWindow:  getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		MaxPayloadBytes:  int64(getIntEnv("MAX_PAYLOAD_BYTES", ingest.DefaultMaxPayloadBytes)),
		RawArchiveBucket: os.Getenv("RAW_ARCHIVE_BUCKET"),

		Dispatch:        strings.ToLower(getEnv("DISPATCH", DispatchInline)),
		KafkaBrokers:    splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "ingest-events"),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "ride-ingest-processor"),
		IngestWorkers:   getIntEnv("INGEST_WORKERS", 4),
		IngestQueueSize: getIntEnv("INGEST_QUEUE_SIZE", 256),
		IngestTimeout:   getDurationEnv("INGEST_TIMEOUT", 2*time.Minute),

		ImportPageDelay:   getDurationEnv("IMPORT_PAGE_DELAY", ingest.DefaultPageDelay),
		ImportMaxPages:    getIntEnv("IMPORT_MAX_PAGES", ingest.DefaultMaxPages),
		NearDupWindow:     getDurationEnv("NEAR_DUP_WINDOW", dedup.DefaultWindow),
		NearDupDistanceKm: getFloatEnv("NEAR_DUP_DISTANCE_KM", dedup.DefaultDistanceKm),
		StravaAPIBase:     getEnv("STRAVA_API_BASE", strava.DefaultBaseURL),

		EnablePush:        os.Getenv("ENABLE_PUSH") == "true",
		InternalJWTSecret: os.Getenv("INTERNAL_JWT_SECRET"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
	}
}

// LoadFunctionConfig is LoadConfig for Cloud Functions deployments. Instances
// share nothing, so storage defaults to Firestore and the in-memory store is
// refused. Requests arrive through the Google front end, which appends one
// X-Forwarded-For hop.
func LoadFunctionConfig() (*Config, error) {
	cfg := LoadConfig()
	if os.Getenv("STORAGE_BACKEND") == "" {
		cfg.StorageBackend = StorageFirestore
	}
	if os.Getenv("TRUSTED_PROXY_HOPS") == "" {
		cfg.TrustedProxyHops = 1
	}
	if cfg.StorageBackend == StorageMemory {
		return nil, fmt.Errorf("STORAGE_BACKEND %q is per-instance; use %s or %s", cfg.StorageBackend, StorageFirestore, StoragePostgres)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
