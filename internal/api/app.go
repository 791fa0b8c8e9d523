// Package api serves the model lifecycle over HTTP and MCP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/feedback"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/retrain"
)

// Version is reported by /health.
const Version = "1.0.0"

// Pinger checks that the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Drainer runs every pending reconcile job.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

type AppDeps struct {
	Predictions *prediction.Service
	Feedback    *feedback.Store
	Versions    *registry.Registry
	Retrain     *retrain.Orchestrator
	Reconcile   Drainer
	DB          Pinger
	Logger      *zap.Logger

	Token     string
	RateLimit float64 // requests per second, 0 disables
	RateBurst int
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Instrument)
	r.Use(RateLimit(deps.RateLimit, deps.RateBurst))

	r.Get("/health", handleHealth(deps))
	r.Get("/ready", handleReady(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/upload", handleUpload(deps))
		r.Post("/predict", handlePredict(deps))
		r.Get("/download/{batch_id}", handleDownload(deps))
		r.Post("/test_prediction", handleTestPrediction(deps))

		r.Post("/feedback", handleFeedback(deps))
		r.Get("/feedback/stats", handleFeedbackStats(deps))
		r.Get("/analytics/daily", handleDailyAnalytics(deps))

		r.Get("/model/versions", handleListVersions(deps))
		r.Get("/model/versions/{id}", handleGetVersion(deps))
		r.Post("/model/retrain", handleRetrain(deps))
		r.Get("/model/status", handleModelStatus(deps))
		r.Post("/model/reconcile", handleReconcile(deps))
	})

	return r
}
