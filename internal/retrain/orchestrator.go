// Package retrain decides when to retrain on accumulated feedback and
// carries out retrains so that every feedback record is consumed by exactly
// one model version.
package retrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/metrics"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/storage"
)

// JobMarkProcessed is the job type that finishes a partial retrain.
const JobMarkProcessed = "mark_feedback_processed"

// MarkPayload is the payload of a JobMarkProcessed job.
type MarkPayload struct {
	VersionID   int64    `json:"version_id"`
	FeedbackIDs []string `json:"feedback_ids"`
}

type Feedback interface {
	Unprocessed(ctx context.Context) ([]domain.FeedbackRecord, error)
	UnprocessedCount(ctx context.Context) (int, error)
	MarkProcessed(ctx context.Context, ids []string, versionID int64) error
	Unreconciled(ctx context.Context) (map[int64][]string, error)
}

type Versions interface {
	ActiveModel() (registry.Active, error)
	TrainingSet(ctx context.Context, id int64) ([]domain.TrainingExample, error)
	Register(ctx context.Context, model classifier.Model, accuracy float64,
		examples []domain.TrainingExample, consumed []string, source string) (domain.ModelVersion, error)
}

type Jobs interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	CountJobs(ctx context.Context, jobType string) (int, error)
}

type Config struct {
	// Threshold is the unprocessed feedback count that triggers a retrain.
	Threshold int
	// Timeout bounds classifier training.
	Timeout time.Duration
	// MarkRetries is how many times a failed mark-processed is retried.
	MarkRetries int
	// MarkBackoff is the first delay between mark-processed retries.
	MarkBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MarkRetries < 0 {
		c.MarkRetries = 0
	}
	if c.MarkBackoff <= 0 {
		c.MarkBackoff = 100 * time.Millisecond
	}
	return c
}

// Orchestrator serializes training, retraining and reconciliation behind one
// semaphore held from COLLECTING through MARKING.
type Orchestrator struct {
	cfg      Config
	feedback Feedback
	versions Versions
	trainer  classifier.Trainer
	jobs     Jobs
	logger   *zap.Logger

	sem *semaphore.Weighted

	mu          sync.Mutex
	state       State
	lastErr     string
	lastVersion int64
}

func New(cfg Config, fb Feedback, versions Versions, trainer classifier.Trainer, jobs Jobs, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		feedback: fb,
		versions: versions,
		trainer:  trainer,
		jobs:     jobs,
		logger:   logger,
		sem:      semaphore.NewWeighted(1),
		state:    StateIdle,
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("retrain state", zap.String("state", string(s)))
}

func (o *Orchestrator) fail(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err.Error()
	o.mu.Unlock()
}

func (o *Orchestrator) Threshold() int { return o.cfg.Threshold }

// EvaluateTrigger reports whether a retrain should run.
func (o *Orchestrator) EvaluateTrigger(ctx context.Context, forced bool) (bool, error) {
	if forced {
		return true, nil
	}
	n, err := o.feedback.UnprocessedCount(ctx)
	if err != nil {
		return false, fmt.Errorf("counting unprocessed feedback: %w", err)
	}
	return n >= o.cfg.Threshold, nil
}

// Train fits a model on an uploaded training set and registers it as the
// active version.
func (o *Orchestrator) Train(ctx context.Context, examples []domain.TrainingExample) (domain.ModelVersion, error) {
	if len(examples) == 0 {
		return domain.ModelVersion{}, domain.Invalid("examples", "no valid data pairs found")
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return domain.ModelVersion{}, err
	}
	defer o.sem.Release(1)

	start := time.Now()
	fit, err := o.fit(ctx, examples)
	if err != nil {
		return domain.ModelVersion{}, err
	}

	o.setState(StateRegistering)
	v, err := o.versions.Register(ctx, fit.Model, fit.Accuracy, examples, nil, domain.VersionFromUpload)
	if err != nil {
		o.fail(StateIdle, err)
		return domain.ModelVersion{}, err
	}
	o.registered(v)
	o.setState(StateIdle)

	o.logger.Info("model trained from upload",
		zap.Int64("version_id", v.VersionID),
		zap.Int("examples", len(examples)),
		zap.Float64("accuracy", v.Accuracy),
		zap.Duration("took", time.Since(start)),
	)
	return v, nil
}

// fit runs the time-boxed TRAINING phase. On failure the state is IDLE.
func (o *Orchestrator) fit(ctx context.Context, examples []domain.TrainingExample) (classifier.Fit, error) {
	o.setState(StateTraining)
	tctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	fit, err := o.trainer.Train(tctx, examples)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", domain.ErrRetrainTimeout, o.cfg.Timeout)
			metrics.ObserveRetrain(outcomeTimeout, 0)
		}
		o.fail(StateIdle, err)
		return classifier.Fit{}, err
	}
	return fit, nil
}

func (o *Orchestrator) registered(v domain.ModelVersion) {
	o.mu.Lock()
	o.lastVersion = v.VersionID
	o.mu.Unlock()
	metrics.SetActiveVersion(v.VersionID, v.Accuracy)
}

// Retrain merges unprocessed feedback into the active version's training set
// and registers the resulting model. A false Success with a Reason is a
// normal no-op outcome. Concurrent calls run one at a time; a later call
// sees the feedback an earlier one consumed as processed.
func (o *Orchestrator) Retrain(ctx context.Context, forced bool) (domain.RetrainResult, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return domain.RetrainResult{}, err
	}
	defer o.sem.Release(1)
	return o.retrain(ctx, forced)
}

func (o *Orchestrator) retrain(ctx context.Context, forced bool) (domain.RetrainResult, error) {
	active, err := o.versions.ActiveModel()
	if errors.Is(err, domain.ErrNotFound) {
		metrics.ObserveRetrain(outcomeNoData, 0)
		return domain.RetrainResult{}, domain.ErrNoData
	}
	if err != nil {
		return domain.RetrainResult{}, err
	}

	// Feedback left over from a partial retrain belongs to that version and
	// must not be consumed again.
	if err := o.reconcileOutstanding(ctx); err != nil {
		metrics.ObserveRetrain(outcomePartial, 0)
		return domain.RetrainResult{}, err
	}

	trigger, err := o.EvaluateTrigger(ctx, forced)
	if err != nil {
		return domain.RetrainResult{}, err
	}
	if !trigger {
		metrics.ObserveRetrain(outcomeSkipped, 0)
		return domain.RetrainResult{Reason: ReasonThresholdNotMet}, nil
	}

	start := time.Now()
	o.setState(StateCollecting)
	pending, err := o.feedback.Unprocessed(ctx)
	if err != nil {
		o.fail(StateIdle, err)
		metrics.ObserveRetrain(outcomeError, 0)
		return domain.RetrainResult{}, fmt.Errorf("collecting feedback: %w", err)
	}
	if len(pending) == 0 {
		o.setState(StateIdle)
		metrics.ObserveRetrain(outcomeSkipped, 0)
		return domain.RetrainResult{Reason: ReasonNoFeedback}, nil
	}
	base, err := o.versions.TrainingSet(ctx, active.Version.VersionID)
	if err != nil {
		o.fail(StateIdle, err)
		metrics.ObserveRetrain(outcomeError, 0)
		return domain.RetrainResult{}, fmt.Errorf("loading training set of version %d: %w", active.Version.VersionID, err)
	}

	examples := slices.Grow(slices.Clone(base), len(pending))
	ids := make([]string, len(pending))
	for i, f := range pending {
		examples = append(examples, f.Example())
		ids[i] = f.ID
	}

	fit, err := o.fit(ctx, examples)
	if err != nil {
		if !errors.Is(err, domain.ErrRetrainTimeout) {
			metrics.ObserveRetrain(outcomeError, 0)
		}
		return domain.RetrainResult{}, err
	}

	o.setState(StateRegistering)
	v, err := o.versions.Register(ctx, fit.Model, fit.Accuracy, examples, ids, domain.VersionFromRetrain)
	if err != nil {
		o.fail(StateIdle, err)
		metrics.ObserveRetrain(outcomeError, 0)
		return domain.RetrainResult{}, err
	}
	o.registered(v)

	// The version is committed; finish marking even if the caller goes away.
	o.setState(StateMarking)
	if err := o.mark(context.WithoutCancel(ctx), ids, v.VersionID); err != nil {
		perr := o.partial(context.WithoutCancel(ctx), v.VersionID, ids, err)
		metrics.ObserveRetrain(outcomePartial, time.Since(start))
		return domain.RetrainResult{NewVersion: &v, ConsumedFeedback: len(ids)}, perr
	}

	o.setState(StateDone)
	o.setState(StateIdle)
	metrics.ObserveRetrain(outcomeSuccess, time.Since(start))
	o.logger.Info("model retrained",
		zap.Int64("version_id", v.VersionID),
		zap.Int("consumed_feedback", len(ids)),
		zap.Int("examples", len(examples)),
		zap.Float64("accuracy", v.Accuracy),
		zap.Duration("took", time.Since(start)),
	)
	return domain.RetrainResult{Success: true, NewVersion: &v, ConsumedFeedback: len(ids)}, nil
}

// mark calls MarkProcessed with exponential backoff, up to MarkRetries
// retries. Unknown ids are not retried.
func (o *Orchestrator) mark(ctx context.Context, ids []string, versionID int64) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.MarkBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.MarkRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := o.feedback.MarkProcessed(ctx, ids, versionID)
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		o.logger.Warn("mark processed failed, retrying",
			zap.Int64("version_id", versionID),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
}

// partial records an INCONSISTENT outcome and queues its reconciliation.
// The feedback stays claimed by versionID in storage whether or not the job
// is stored, so later retrains reconcile it instead of consuming it again.
func (o *Orchestrator) partial(ctx context.Context, versionID int64, ids []string, cause error) error {
	perr := &domain.PartialRetrainError{VersionID: versionID, FeedbackIDs: ids, Err: cause}
	o.fail(StateInconsistent, perr)
	o.logger.Error("partial retrain: version registered but feedback not marked processed",
		zap.Int64("version_id", versionID),
		zap.Strings("feedback_ids", ids),
		zap.Error(cause),
	)

	payload, err := json.Marshal(MarkPayload{VersionID: versionID, FeedbackIDs: ids})
	if err != nil {
		o.logger.Error("encoding reconcile job", zap.Int64("version_id", versionID), zap.Error(err))
		return perr
	}
	if err := o.jobs.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobMarkProcessed,
		PayloadJSON: string(payload),
		MaxAttempts: 10,
	}); err != nil {
		o.logger.Error("reconcile job not stored; the next retrain will reconcile",
			zap.Int64("version_id", versionID),
			zap.Error(err),
		)
	}
	return perr
}

// reconcileOutstanding marks every claimed but unprocessed feedback record
// against the version that claimed it. Callers hold the semaphore.
func (o *Orchestrator) reconcileOutstanding(ctx context.Context) error {
	outstanding, err := o.feedback.Unreconciled(ctx)
	if err != nil {
		return fmt.Errorf("listing unreconciled feedback: %w", err)
	}
	for _, v := range slices.Sorted(maps.Keys(outstanding)) {
		if err := o.reconcile(ctx, v, outstanding[v]); err != nil {
			return &domain.PartialRetrainError{VersionID: v, FeedbackIDs: outstanding[v], Err: err}
		}
	}
	return nil
}

// Reconcile marks ids as consumed by versionID, completing a partial retrain.
// It is idempotent.
func (o *Orchestrator) Reconcile(ctx context.Context, versionID int64, ids []string) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)
	return o.reconcile(ctx, versionID, ids)
}

func (o *Orchestrator) reconcile(ctx context.Context, versionID int64, ids []string) error {
	if err := o.mark(ctx, ids, versionID); err != nil {
		return fmt.Errorf("reconciling version %d: %w", versionID, err)
	}
	o.logger.Info("partial retrain reconciled",
		zap.Int64("version_id", versionID),
		zap.Int("feedback", len(ids)),
	)

	remaining, err := o.feedback.Unreconciled(ctx)
	if err != nil {
		o.logger.Warn("checking remaining reconciliation", zap.Error(err))
		return nil
	}
	o.mu.Lock()
	if o.state == StateInconsistent && len(remaining) == 0 {
		o.state = StateIdle
		o.lastErr = ""
	}
	o.mu.Unlock()
	return nil
}

// OnFeedback runs after a feedback record is stored. It retrains when the
// trigger fires and reports whether a new version was registered.
func (o *Orchestrator) OnFeedback(ctx context.Context) (bool, error) {
	trigger, err := o.EvaluateTrigger(ctx, false)
	if err != nil || !trigger {
		return false, err
	}
	res, err := o.Retrain(ctx, false)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.Lock()
	st := Status{
		State:       o.state,
		Threshold:   o.cfg.Threshold,
		LastVersion: o.lastVersion,
		LastError:   o.lastErr,
	}
	o.mu.Unlock()

	n, err := o.feedback.UnprocessedCount(ctx)
	if err != nil {
		return Status{}, err
	}
	outstanding, err := o.feedback.Unreconciled(ctx)
	if err != nil {
		return Status{}, err
	}
	queued, err := o.jobs.CountJobs(ctx, JobMarkProcessed)
	if err != nil {
		return Status{}, err
	}
	st.Unprocessed = n
	st.PendingReconcile = len(outstanding)
	st.QueuedJobs = queued
	return st, nil
}
