package framework

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/sentry"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// FrameworkContext contains dependencies injected by the framework
type FrameworkContext struct {
	Service     *bootstrap.Service
	Logger      *slog.Logger
	ExecutionID string
}

// HandlerFunc is the signature for a cloud function handler
type HandlerFunc func(ctx context.Context, e event.Event, fwCtx *FrameworkContext) (interface{}, error)

// WrapCloudEvent wraps a handler with per-execution logging and error capture.
// A panicking handler is reported to Sentry and surfaced as an error.
func WrapCloudEvent(serviceName string, svc *bootstrap.Service, handler HandlerFunc) func(context.Context, event.Event) error {
	return func(ctx context.Context, e event.Event) (err error) {
		userID, attempt := extractEventMetadata(e)

		triggerType := "pubsub"
		if e.Type() == "google.cloud.functions.http" {
			triggerType = "http"
		}

		logger := slog.Default()
		if svc != nil && svc.Logger != nil {
			logger = svc.Logger
		}
		execID := uuid.NewString()
		logger = logger.With("component", serviceName, "execution_id", execID, "cloud_event_id", e.ID())
		if userID != "" {
			logger = logger.With("provider_user_id", userID)
		}

		start := time.Now()
		logger.Info("Function started", "trigger", triggerType, "attempt", attempt)

		tags := map[string]string{"function": serviceName, "execution_id": execID}
		defer sentry.Flush(2 * time.Second)
		defer func() {
			if r := recover(); r != nil {
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("panic: %v", r)
				}
				tags["panic"] = "true"
				sentry.CaptureException(perr, tags, logger)
				logger.Error("Function panicked", "error", perr)
				err = perr
			}
		}()

		fwCtx := &FrameworkContext{
			Service:     svc,
			Logger:      logger,
			ExecutionID: execID,
		}

		outputs, handlerErr := handler(ctx, e, fwCtx)
		if handlerErr != nil {
			logger.Error("Function failed", "error", handlerErr, "duration_ms", time.Since(start).Milliseconds())
			sentry.CaptureException(handlerErr, tags, logger)
			return handlerErr
		}

		logger.Info("Function completed successfully", "outputs", outputs, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
}

// extractEventMetadata pulls the provider user id and the delivery attempt
// out of a Pub/Sub push envelope. Both are empty for other event shapes.
func extractEventMetadata(e event.Event) (userID string, attempt string) {
	var msg types.PubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil || len(msg.Message.Data) == 0 {
		return "", ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Message.Data, &payload); err == nil {
		// Structured CloudEvents nest the message under "data"
		if inner, ok := payload["data"].(map[string]interface{}); ok {
			payload = inner
		}
		if uid, ok := payload["providerUserId"].(string); ok {
			userID = uid
		}
	}

	if msg.Message.Attributes != nil {
		attempt = msg.Message.Attributes["googclient_deliveryattempt"]
	}
	return userID, attempt
}
