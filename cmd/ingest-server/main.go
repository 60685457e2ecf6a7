// Command ingest-server runs the webhook receiver, event processor and bulk
// importer in one process behind a chi router.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/auth"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/kafka"
	"github.com/fitglue/ride-ingest/pkg/types"
)

const (
	shutdownTimeout = 15 * time.Second
	pendingBatch    = 500
)

// pendingLister is implemented by stores that can enumerate events whose
// dispatch never completed (the Postgres store).
type pendingLister interface {
	UnprocessedEvents(ctx context.Context, limit int) ([]*types.IngestEvent, error)
}

// blockingSubmitter waits for queue room instead of failing fast. The
// in-process worker pool implements it.
type blockingSubmitter interface {
	Submit(ctx context.Context, msg types.IngestEventMessage) error
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("ingest-server: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.LoadConfig()
	svc, err := bootstrap.NewService(ctx, "ingest-server", cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	logger := svc.Logger

	if cfg.InternalJWTSecret == "" {
		logger.Warn("INTERNAL_JWT_SECRET not set - /import and reprocess will reject every token")
	}

	consumerDone := make(chan struct{})
	if cfg.Dispatch == bootstrap.DispatchKafka {
		consumer := kafka.NewConsumer(kafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID), svc.Processor.Handle, logger)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kafka consumer stopped", "error", err)
			}
			if err := consumer.Close(); err != nil {
				logger.Warn("Kafka reader close failed", "error", err)
			}
		}()
		logger.Info("Kafka consumer started", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	} else {
		close(consumerDone)
	}

	redispatchPending(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(svc, auth.Config{Secret: cfg.InternalJWTSecret}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	stop()
	<-consumerDone
	return nil
}

// redispatchPending hands events left unprocessed by a previous run back to
// the dispatcher. A failed webhook dispatch leaves its event in this state.
func redispatchPending(ctx context.Context, svc *bootstrap.Service) {
	lister, ok := svc.DB.(pendingLister)
	if !ok {
		return
	}
	events, err := lister.UnprocessedEvents(ctx, pendingBatch)
	if err != nil {
		svc.Logger.Warn("Listing pending events failed", "error", err)
		return
	}
	dispatch := svc.Dispatcher.Dispatch
	if sub, ok := svc.Dispatcher.(blockingSubmitter); ok {
		dispatch = sub.Submit
	}
	sent := 0
	for _, e := range events {
		msg := types.IngestEventMessage{EventID: e.ID, ProviderUserID: e.ProviderUserID}
		if err := dispatch(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			svc.Logger.Warn("Redispatch failed", "event_id", e.ID, "error", err)
			continue
		}
		sent++
	}
	if len(events) > 0 {
		svc.Logger.Info("Pending events redispatched", "count", sent, "pending", len(events))
	}
	if len(events) == pendingBatch {
		svc.Logger.Warn("More pending events remain; they are redispatched on the next start or via reprocess", "batch", pendingBatch)
	}
}
