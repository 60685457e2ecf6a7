package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/framework"
	infrapubsub "github.com/fitglue/ride-ingest/pkg/infrastructure/pubsub"
	"github.com/fitglue/ride-ingest/pkg/ingest"
)

const serviceName = "event-processor"

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("ProcessIngestEvent", ProcessIngestEvent)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		cfg, err := bootstrap.LoadFunctionConfig()
		if err != nil {
			slog.Error("Invalid configuration", "error", err)
			svcErr = err
			return
		}
		// The processor never re-dispatches; an in-process pool would only idle.
		cfg.Dispatch = bootstrap.DispatchLog
		baseSvc, err := bootstrap.NewService(ctx, serviceName, cfg)
		if err != nil {
			slog.Error("Failed to initialize service", "error", err)
			svcErr = err
			return
		}
		svc = baseSvc
	})
	return svc, svcErr
}

// ProcessIngestEvent is the Pub/Sub entry point. Pipeline failures are
// recorded on the event and acknowledged; only storage failures are returned
// so the delivery is retried.
func ProcessIngestEvent(ctx context.Context, e event.Event) error {
	s, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	return framework.WrapCloudEvent(serviceName, s, handler)(ctx, e)
}

func handler(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
	msg, err := infrapubsub.DecodeIngestMessage(e)
	if err != nil {
		// Redelivering a malformed message cannot succeed.
		fwCtx.Logger.Error("Dropping undecodable message", "error", err)
		return map[string]interface{}{"status": "dropped"}, nil
	}

	res, err := fwCtx.Service.Processor.Process(ctx, msg.EventID)
	if err != nil {
		var nf *ingest.NotFoundError
		if errors.As(err, &nf) {
			fwCtx.Logger.Warn("Event not found", "event_id", msg.EventID)
			return map[string]interface{}{"status": "not_found", "eventId": msg.EventID}, nil
		}
		return nil, err
	}

	out := map[string]interface{}{
		"eventId":          res.EventID,
		"outcome":          string(res.Outcome),
		"alreadyProcessed": res.AlreadyProcessed,
	}
	if res.ActivityID != "" {
		out["activityId"] = res.ActivityID
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out, nil
}
