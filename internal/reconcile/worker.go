// Package reconcile drains the durable jobs a partial retrain leaves behind.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/metrics"
	"github.com/kalambet/materiality/internal/retrain"
	"github.com/kalambet/materiality/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Reconciler marks feedback as consumed by a registered version.
type Reconciler interface {
	Reconcile(ctx context.Context, versionID int64, ids []string) error
}

// Worker processes mark_feedback_processed jobs from the job queue.
type Worker struct {
	store      JobStore
	reconciler Reconciler
	poll       time.Duration
	logger     *zap.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store JobStore, reconciler Reconciler, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:      store,
		reconciler: reconciler,
		poll:       pollInterval,
		logger:     logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("reconcile iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It returns true if a job was
// processed, whether or not it succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{retrain.JobMarkProcessed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		metrics.ObserveReconcile(false)
		w.logger.Warn("reconcile job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts+1), zap.Error(err))
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return true, nil
	}

	metrics.ObserveReconcile(true)
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Drain processes runnable jobs until none is left and returns how many were
// handled. Jobs that fail are rescheduled and not retried within one call.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	var n int
	for {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload retrain.MarkPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.VersionID <= 0 || len(payload.FeedbackIDs) == 0 {
		return fmt.Errorf("payload names no version or feedback")
	}
	return w.reconciler.Reconcile(ctx, payload.VersionID, payload.FeedbackIDs)
}
