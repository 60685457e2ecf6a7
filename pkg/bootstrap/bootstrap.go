package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"github.com/juju/clock"
	"google.golang.org/api/option"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/domain/fit_parser"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/database"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/kafka"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/notifications"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/oauth"
	infrapubsub "github.com/fitglue/ride-ingest/pkg/infrastructure/pubsub"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/ratelimit"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/sentry"
	infrastorage "github.com/fitglue/ride-ingest/pkg/infrastructure/storage"
	"github.com/fitglue/ride-ingest/pkg/ingest"
	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/storage/postgres"
)

const sweepInterval = time.Minute

// Service holds initialized dependencies
type Service struct {
	DB         shared.Database
	Store      shared.BlobStore
	Limiter    ratelimit.Store
	Dispatcher shared.Dispatcher
	Notifier   shared.NotificationService

	Receiver  *ingest.Receiver
	Processor *ingest.Processor
	Importer  *ingest.Importer

	Firebase *firebase.App
	Config   *Config
	Logger   *slog.Logger

	firestore *firestore.Client
	closers   []func() error
	cancel    context.CancelFunc
}

// ClientOptions returns the GCP client options for cfg.
func ClientOptions(cfg *Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// NewFirebaseApp initializes the Firebase app for cfg's project.
func NewFirebaseApp(ctx context.Context, cfg *Config) (*firebase.App, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, ClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("firebase init: %w", err)
	}
	return app, nil
}

// NewService initializes all standard dependencies and wires the pipeline
// according to cfg.StorageBackend and cfg.Dispatch.
func NewService(ctx context.Context, serviceName string, cfg *Config) (*Service, error) {
	logger := InitLogger(serviceName, cfg.LogLevel)
	logger.Info("Initializing service",
		"project_id", cfg.ProjectID,
		"storage", cfg.StorageBackend,
		"dispatch", cfg.Dispatch,
	)

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  serviceName,
	}, logger); err != nil {
		logger.Warn("Continuing without Sentry", "error", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	svc := &Service{Config: cfg, Logger: logger, cancel: cancel}

	if err := svc.initStorage(ctx, bg); err != nil {
		svc.Close()
		return nil, err
	}
	if err := svc.initBlobStore(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	if err := svc.initNotifier(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	archive := &infrastorage.RawArchive{Store: svc.Store, Bucket: cfg.RawArchiveBucket}
	svc.Processor = ingest.NewProcessor(svc.DB, oauth.NewFetcher(), fit_parser.Decoder{}, archive, logger)
	svc.Importer = ingest.NewImporter(svc.DB, &ingest.StravaSource{BaseURL: cfg.StravaAPIBase}, svc.Notifier, ingest.ImporterConfig{
		PageDelay:         cfg.ImportPageDelay,
		MaxPages:          cfg.ImportMaxPages,
		NearDupWindow:     cfg.NearDupWindow,
		NearDupDistanceKm: cfg.NearDupDistanceKm,
	}, logger)

	if err := svc.initDispatcher(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	svc.Receiver = ingest.NewReceiver(svc.DB, svc.Dispatcher, svc.Limiter, ingest.ReceiverConfig{
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		Secret:           cfg.WebhookSecret,
		TrustedProxyHops: cfg.TrustedProxyHops,
	}, logger)

	return svc, nil
}

func (s *Service) firestoreClient(ctx context.Context) (*firestore.Client, error) {
	if s.firestore != nil {
		return s.firestore, nil
	}
	client, err := firestore.NewClient(ctx, s.Config.ProjectID, ClientOptions(s.Config)...)
	if err != nil {
		s.Logger.Error("Firestore init failed", "error", err)
		return nil, fmt.Errorf("firestore init: %w", err)
	}
	s.firestore = client
	s.closers = append(s.closers, client.Close)
	return client, nil
}

func (s *Service) initStorage(ctx, bg context.Context) error {
	cfg := s.Config
	switch cfg.StorageBackend {
	case StorageFirestore:
		client, err := s.firestoreClient(ctx)
		if err != nil {
			return err
		}
		s.DB = database.NewFirestoreAdapter(client)
		s.Limiter = ratelimit.NewFirestore(client, shared.CollectionRateLimits, cfg.RateLimitMax, cfg.RateLimitWindow, clock.WallClock)
		s.Logger.Info("Storage: Firestore")
		return nil

	case StoragePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			s.Logger.Error("Postgres init failed", "error", err)
			return fmt.Errorf("postgres init: %w", err)
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		s.DB = store
		s.Logger.Info("Storage: Postgres")

	case StorageMemory, "":
		s.DB = memory.NewStore()
		s.Logger.Info("Storage: in-memory")

	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	limiter := ratelimit.NewMemory(cfg.RateLimitMax, cfg.RateLimitWindow, clock.WallClock)
	go limiter.RunSweeper(bg, sweepInterval)
	s.Limiter = limiter
	return nil
}

func (s *Service) initBlobStore(ctx context.Context) error {
	if s.Config.RawArchiveBucket == "" {
		s.Logger.Info("Raw archive: disabled")
		return nil
	}
	client, err := storage.NewClient(ctx, ClientOptions(s.Config)...)
	if err != nil {
		s.Logger.Error("Storage init failed", "error", err)
		return fmt.Errorf("storage init: %w", err)
	}
	s.closers = append(s.closers, client.Close)
	s.Store = &infrastorage.StorageAdapter{Client: client}
	s.Logger.Info("Raw archive: GCS", "bucket", s.Config.RawArchiveBucket)
	return nil
}

func (s *Service) initNotifier(ctx context.Context) error {
	if !s.Config.EnablePush {
		return nil
	}
	app, err := NewFirebaseApp(ctx, s.Config)
	if err != nil {
		return err
	}
	s.Firebase = app

	// Dead-token cleanup needs the integration documents, which only exist
	// in Firestore.
	var fs *firestore.Client
	if s.Config.StorageBackend == StorageFirestore {
		fs = s.firestore
	}
	notifier, err := notifications.NewFCMAdapter(ctx, app, fs)
	if err != nil {
		return err
	}
	s.Notifier = notifier
	s.Logger.Info("Push notifications: FCM")
	return nil
}

func (s *Service) initDispatcher(ctx context.Context) error {
	cfg := s.Config
	switch cfg.Dispatch {
	case DispatchPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID, ClientOptions(cfg)...)
		if err != nil {
			s.Logger.Error("PubSub init failed", "error", err)
			return fmt.Errorf("pubsub init: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		s.Dispatcher = infrapubsub.NewDispatcher(&infrapubsub.PubSubAdapter{Client: client})
		s.Logger.Info("Dispatch: Pub/Sub", "topic", shared.TopicIngestEvent)

	case DispatchKafka:
		d := kafka.NewDispatcher(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		s.closers = append(s.closers, d.Close)
		s.Dispatcher = d
		s.Logger.Info("Dispatch: Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)

	case DispatchInline, "":
		pool := ingest.NewWorkerPool(cfg.IngestWorkers, cfg.IngestQueueSize, cfg.IngestTimeout, s.Processor.Handle, s.Logger)
		// Prepended so queued events drain before storage closes.
		s.closers = append([]func() error{func() error { pool.Close(); return nil }}, s.closers...)
		s.Dispatcher = pool
		s.Logger.Info("Dispatch: in-process worker pool", "workers", cfg.IngestWorkers)

	case DispatchLog:
		s.Dispatcher = infrapubsub.NewDispatcher(&infrapubsub.LogPublisher{Logger: s.Logger})
		s.Logger.Info("Dispatch: MOCK (LogPublisher)")

	default:
		return fmt.Errorf("unknown DISPATCH %q", cfg.Dispatch)
	}
	return nil
}

// Close releases clients in dependency order. It is safe to call on a
// partially initialized Service.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.Logger.Warn("Close failed", "error", err)
		}
	}
	s.closers = nil
	sentry.Flush(2 * time.Second)
}
