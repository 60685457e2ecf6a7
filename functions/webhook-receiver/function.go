package webhookreceiver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
)

const serviceName = "webhook-receiver"

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.HTTP("ReceiveWebhook", ReceiveWebhook)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		cfg, err := loadConfig()
		if err != nil {
			slog.Error("Invalid configuration", "error", err)
			svcErr = err
			return
		}
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

// loadConfig pins dispatch to Pub/Sub. The worker pool would run after the
// response is written, when the platform may throttle the instance.
func loadConfig() (*bootstrap.Config, error) {
	cfg, err := bootstrap.LoadFunctionConfig()
	if err != nil {
		return nil, err
	}
	cfg.Dispatch = bootstrap.DispatchPubSub
	return cfg, nil
}

// ReceiveWebhook is the HTTP entry point for provider webhook deliveries.
// GET is a health check; POST stores the event and dispatches it.
func ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	s, err := initService(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "service unavailable"})
		return
	}
	s.Receiver.ServeHTTP(w, r)
}
