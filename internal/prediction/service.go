// Package prediction scores name pairs with the active model and persists
// every result.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/metrics"
	"github.com/kalambet/materiality/internal/registry"
)

// scoreParallelism bounds concurrent scoring in PredictAll.
const scoreParallelism = 4

// Models yields the active model.
type Models interface {
	ActiveModel() (registry.Active, error)
}

// Repository persists prediction records.
type Repository interface {
	SavePredictions(ctx context.Context, records []domain.PredictionRecord) error
	BatchPredictions(ctx context.Context, batchID string) ([]domain.PredictionRecord, error)
	DailyPredictionStats(ctx context.Context, since time.Time) ([]domain.DailyStats, error)
}

type Service struct {
	models Models
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(models Models, repo Repository, logger *zap.Logger) *Service {
	return &Service{
		models: models,
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Summary aggregates a set of predictions.
type Summary struct {
	TotalPredictions   int     `json:"total_predictions"`
	MaterialCount      int     `json:"material_count"`
	ImmaterialCount    int     `json:"immaterial_count"`
	MaterialPercentage float64 `json:"material_percentage"`
}

func Summarize(records []domain.PredictionRecord) Summary {
	s := Summary{TotalPredictions: len(records)}
	for _, r := range records {
		if r.PredictedLabel {
			s.MaterialCount++
		}
	}
	s.ImmaterialCount = s.TotalPredictions - s.MaterialCount
	s.MaterialPercentage = domain.Percent(s.MaterialCount, s.TotalPredictions)
	return s
}

func (s *Service) bind() (registry.Active, error) {
	a, err := s.models.ActiveModel()
	if errors.Is(err, domain.ErrNotFound) {
		return registry.Active{}, domain.ErrNoModelTrained
	}
	return a, err
}

func (s *Service) score(m classifier.Model, version int64, batchID string, p domain.Pair) domain.PredictionRecord {
	rec := domain.NewPredictionRecord(s.newID(), p, m.Probability(p), version, batchID, s.now().UTC())
	metrics.ObservePrediction(rec.PredictedLabel)
	return rec
}

// Batch is a lazily scored set of pairs bound to a single model version.
// Iterating it scores and persists pairs on first visit; later passes replay
// the stored records, so the sequence is restartable and stable.
type Batch struct {
	ID      string
	Version domain.ModelVersion

	svc   *Service
	model classifier.Model
	pairs []domain.Pair

	mu   sync.Mutex
	done []domain.PredictionRecord
}

// PredictBatch binds the active version for the whole batch. It fails with
// domain.ErrNoModelTrained before the first training.
func (s *Service) PredictBatch(ctx context.Context, pairs []domain.Pair) (*Batch, error) {
	a, err := s.bind()
	if err != nil {
		return nil, err
	}
	return &Batch{
		ID:      s.newID(),
		Version: a.Version,
		svc:     s,
		model:   a.Model,
		pairs:   pairs,
	}, nil
}

// Len returns the number of pairs in the batch.
func (b *Batch) Len() int { return len(b.pairs) }

// All yields one record per pair in input order. A persistence failure is
// yielded as the error and ends the pass; the next pass resumes at that pair.
func (b *Batch) All(ctx context.Context) iter.Seq2[domain.PredictionRecord, error] {
	return func(yield func(domain.PredictionRecord, error) bool) {
		for i := range b.pairs {
			rec, err := b.at(ctx, i)
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (b *Batch) at(ctx context.Context, i int) (domain.PredictionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < len(b.done) {
		return b.done[i], nil
	}
	if err := ctx.Err(); err != nil {
		return domain.PredictionRecord{}, err
	}
	rec := b.svc.score(b.model, b.Version.VersionID, b.ID, b.pairs[i])
	if err := b.svc.repo.SavePredictions(ctx, []domain.PredictionRecord{rec}); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("persisting prediction %d: %w", i, err)
	}
	b.done = append(b.done, rec)
	return rec, nil
}

// Collect drains the batch.
func (b *Batch) Collect(ctx context.Context) ([]domain.PredictionRecord, error) {
	out := make([]domain.PredictionRecord, 0, len(b.pairs))
	for rec, err := range b.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PredictAll scores pairs concurrently against one bound version and
// persists all records in a single transaction under a shared batch id.
func (s *Service) PredictAll(ctx context.Context, pairs []domain.Pair) ([]domain.PredictionRecord, error) {
	a, err := s.bind()
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	batchID := s.newID()
	records := make([]domain.PredictionRecord, len(pairs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(scoreParallelism)

	for i, p := range pairs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			records[i] = s.score(a.Model, a.Version.VersionID, batchID, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.repo.SavePredictions(ctx, records); err != nil {
		return nil, fmt.Errorf("persisting batch %s: %w", batchID, err)
	}
	s.logger.Info("batch scored",
		zap.String("batch_id", batchID),
		zap.Int64("version_id", a.Version.VersionID),
		zap.Int("pairs", len(records)),
	)
	return records, nil
}

// PredictOne scores a single pair.
func (s *Service) PredictOne(ctx context.Context, nameA, nameB string) (domain.PredictionRecord, error) {
	a, err := s.bind()
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	p, err := domain.NewPair(nameA, nameB)
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	rec := s.score(a.Model, a.Version.VersionID, "", p)
	if err := s.repo.SavePredictions(ctx, []domain.PredictionRecord{rec}); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("persisting prediction: %w", err)
	}
	return rec, nil
}

// BatchRecords returns the stored records of a batch.
func (s *Service) BatchRecords(ctx context.Context, batchID string) ([]domain.PredictionRecord, error) {
	return s.repo.BatchPredictions(ctx, batchID)
}

// MaxAnalyticsDays bounds the window of DailyStats.
const MaxAnalyticsDays = 365

// DailyStats aggregates the predictions of the last days UTC days,
// today included.
func (s *Service) DailyStats(ctx context.Context, days int) ([]domain.DailyStats, error) {
	if days < 1 || days > MaxAnalyticsDays {
		return nil, domain.Invalid("days", "must be between 1 and %d", MaxAnalyticsDays)
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	return s.repo.DailyPredictionStats(ctx, today.AddDate(0, 0, 1-days))
}
