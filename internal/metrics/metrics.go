// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "materiality"

var (
	// predictions counts scored pairs. Labels: label (material, immaterial)
	predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "predictions_total",
		Help:      "Scored name pairs by predicted label",
	}, []string{"label"})

	// feedback counts recorded feedback. Labels: kind (correction, confirmation)
	feedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "Recorded feedback by kind",
	}, []string{"kind"})

	// retrains counts retrain attempts.
	// Labels: outcome (success, skipped, timeout, partial, no_data, error)
	retrains = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrain",
		Name:      "attempts_total",
		Help:      "Retrain attempts by outcome",
	}, []string{"outcome"})

	retrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrain",
		Name:      "duration_seconds",
		Help:      "Wall time of retrains that reached training",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	activeVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_model_version",
		Help:      "Version id of the active model, 0 before the first training",
	})

	activeAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_model_accuracy",
		Help:      "Accuracy recorded for the active model",
	})

	// reconcileJobs counts reconcile job outcomes. Labels: outcome (completed, failed)
	reconcileJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "jobs_total",
		Help:      "Reconcile jobs by outcome",
	}, []string{"outcome"})

	backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Scheduled database backups by outcome",
	}, []string{"outcome"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func ObservePrediction(material bool) {
	if material {
		predictions.WithLabelValues("material").Inc()
		return
	}
	predictions.WithLabelValues("immaterial").Inc()
}

func ObserveFeedback(correction bool) {
	if correction {
		feedback.WithLabelValues("correction").Inc()
		return
	}
	feedback.WithLabelValues("confirmation").Inc()
}

// ObserveRetrain records a retrain outcome. d is ignored when zero.
func ObserveRetrain(outcome string, d time.Duration) {
	retrains.WithLabelValues(outcome).Inc()
	if d > 0 {
		retrainDuration.Observe(d.Seconds())
	}
}

func SetActiveVersion(id int64, accuracy float64) {
	activeVersion.Set(float64(id))
	activeAccuracy.Set(accuracy)
}

func ObserveReconcile(ok bool) {
	if ok {
		reconcileJobs.WithLabelValues("completed").Inc()
		return
	}
	reconcileJobs.WithLabelValues("failed").Inc()
}

func ObserveBackup(err error) {
	if err != nil {
		backups.WithLabelValues("error").Inc()
		return
	}
	backups.WithLabelValues("success").Inc()
}

func ObserveHTTP(method, route string, code int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
