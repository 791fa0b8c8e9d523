// Package registry is the version store: an append-only history of trained
// models with exactly one active version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/storage"
)

// Store is the persistence the registry needs.
type Store interface {
	InsertVersion(ctx context.Context, nv storage.NewVersion) (domain.ModelVersion, error)
	ActiveVersion(ctx context.Context) (domain.ModelVersion, error)
	GetVersion(ctx context.Context, id int64) (domain.ModelVersion, error)
	ListVersions(ctx context.Context) ([]domain.ModelVersion, error)
	VersionSnapshot(ctx context.Context, id int64) ([]byte, error)
	TrainingExamples(ctx context.Context, id int64) ([]domain.TrainingExample, error)
}

// Active is a consistent view of the active version and its model.
type Active struct {
	Version domain.ModelVersion
	Model   classifier.Model
}

// Registry caches the active version in memory. Register holds the write
// lock until both the database and the cache agree, so readers never see
// zero or two active versions after a successful registration.
type Registry struct {
	store   Store
	trainer classifier.Trainer
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	active *Active
}

func New(store Store, trainer classifier.Trainer, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		trainer: trainer,
		logger:  logger,
		now:     time.Now,
	}
}

// Load restores the active version and its model from storage. It is a
// no-op on an empty database.
func (r *Registry) Load(ctx context.Context) error {
	v, err := r.store.ActiveVersion(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading active version: %w", err)
	}
	data, err := r.store.VersionSnapshot(ctx, v.VersionID)
	if err != nil {
		return fmt.Errorf("loading snapshot of version %d: %w", v.VersionID, err)
	}
	m, err := r.trainer.Restore(data)
	if err != nil {
		return fmt.Errorf("restoring version %d: %w", v.VersionID, err)
	}

	r.mu.Lock()
	r.active = &Active{Version: v, Model: m}
	r.mu.Unlock()

	r.logger.Info("active model loaded", zap.Int64("version_id", v.VersionID), zap.Float64("accuracy", v.Accuracy))
	return nil
}

// Register appends a version built from model and makes it active. On any
// failure the previous active version stays active.
func (r *Registry) Register(ctx context.Context, model classifier.Model, accuracy float64,
	examples []domain.TrainingExample, consumed []string, source string) (domain.ModelVersion, error) {
	if model == nil {
		return domain.ModelVersion{}, domain.Invalid("model", "is required")
	}
	if accuracy < 0 || accuracy > 1 {
		return domain.ModelVersion{}, domain.Invalid("accuracy", "must be within [0,1], got %v", accuracy)
	}
	if len(examples) == 0 {
		return domain.ModelVersion{}, domain.Invalid("examples", "must not be empty")
	}
	if source != domain.VersionFromUpload && source != domain.VersionFromRetrain {
		return domain.ModelVersion{}, domain.Invalid("source", "must be one of upload retrain")
	}

	data, err := model.Snapshot()
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("serializing model: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.store.InsertVersion(ctx, storage.NewVersion{
		Snapshot:            data,
		Accuracy:            accuracy,
		Examples:            examples,
		ConsumedFeedbackIDs: consumed,
		Source:              source,
		CreatedAt:           r.now(),
	})
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("registering version: %w", err)
	}
	r.active = &Active{Version: v, Model: model}

	r.logger.Info("model version registered",
		zap.Int64("version_id", v.VersionID),
		zap.Float64("accuracy", v.Accuracy),
		zap.Int("trained_example_count", v.TrainedExampleCount),
		zap.Int("consumed_feedback_count", v.ConsumedFeedbackCount),
		zap.String("source", v.Source),
	)
	return v, nil
}

// Active returns the active version or domain.ErrNotFound when no model has
// been trained.
func (r *Registry) Active() (domain.ModelVersion, error) {
	a, err := r.ActiveModel()
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return a.Version, nil
}

// ActiveModel returns the active version together with its model.
func (r *Registry) ActiveModel() (Active, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Active{}, domain.ErrNotFound
	}
	return *r.active, nil
}

// List returns every version, most recent first.
func (r *Registry) List(ctx context.Context) ([]domain.ModelVersion, error) {
	return r.store.ListVersions(ctx)
}

func (r *Registry) Get(ctx context.Context, id int64) (domain.ModelVersion, error) {
	return r.store.GetVersion(ctx, id)
}

// TrainingSet returns the examples version id was fitted on.
func (r *Registry) TrainingSet(ctx context.Context, id int64) ([]domain.TrainingExample, error) {
	return r.store.TrainingExamples(ctx, id)
}
