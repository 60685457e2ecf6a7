package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/auth"
	"github.com/fitglue/ride-ingest/pkg/ingest"
)

func newRouter(svc *bootstrap.Service, authCfg auth.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(svc.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", svc.Receiver.Health)
	r.Handle("/webhook", svc.Receiver)
	r.Post("/import", ingest.ImportHandler(svc.Importer, auth.ImportAuthorizer(authCfg)))
	r.Post("/events/{eventID}/reprocess", reprocessHandler(svc.Processor, authCfg, svc.Logger))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// reprocessHandler replays one stored event. Only service tokens may call it.
func reprocessHandler(p *ingest.Processor, authCfg auth.Config, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reprocess")
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := auth.Parse(token, authCfg)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if claims.Role != auth.RoleService {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "service role required"})
			return
		}

		res, err := p.Reprocess(r.Context(), chi.URLParam(r, "eventID"))
		if err != nil {
			var nf *ingest.NotFoundError
			if errors.As(err, &nf) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			logger.Error("Reprocess failed", "event_id", chi.URLParam(r, "eventID"), "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		body := map[string]string{"eventId": res.EventID, "outcome": string(res.Outcome)}
		if res.ActivityID != "" {
			body["activityId"] = res.ActivityID
		}
		if res.Err != nil {
			body["error"] = res.Err.Error()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
