// Package feedback records reviewer verdicts on predictions and tracks which
// of them a retrain has consumed.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/metrics"
	"github.com/kalambet/materiality/internal/storage"
)

// Repository is the persistence the feedback store needs.
type Repository interface {
	GetPrediction(ctx context.Context, id string) (domain.PredictionRecord, error)
	LatestPrediction(ctx context.Context, nameA, nameB string) (domain.PredictionRecord, error)
	InsertFeedback(ctx context.Context, f domain.FeedbackRecord) error
	UnprocessedFeedback(ctx context.Context) ([]domain.FeedbackRecord, error)
	UnreconciledFeedback(ctx context.Context) ([]domain.FeedbackRecord, error)
	CountFeedback(ctx context.Context) (storage.FeedbackCounts, error)
	MarkFeedbackProcessed(ctx context.Context, ids []string, versionID int64, at time.Time) (int, error)
}

// Candidate is unvalidated reviewer input. PredictionID may be empty, in
// which case the most recent prediction for the name pair is used. Exactly
// one of UserCorrection and IsWrong is needed; when both are set they must
// agree.
type Candidate struct {
	PredictionID       string   `json:"prediction_id"`
	NameA              string   `json:"name1" validate:"max=512"`
	NameB              string   `json:"name2" validate:"max=512"`
	OriginalPrediction *bool    `json:"original_prediction"`
	UserCorrection     *bool    `json:"user_correction"`
	IsWrong            *bool    `json:"is_wrong"`
	ConfidenceScore    *float64 `json:"confidence_score" validate:"omitempty,gte=0,lte=1"`
	FeedbackText       string   `json:"feedback_text" validate:"max=2000"`
}

type Store struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(repo Repository, logger *zap.Logger) *Store {
	return &Store{repo: repo, logger: logger, now: time.Now}
}

// Record validates c, resolves the prediction it refers to and stores an
// unprocessed FeedbackRecord. Nothing is stored when it fails.
func (s *Store) Record(ctx context.Context, c Candidate) (domain.FeedbackRecord, error) {
	c.PredictionID = strings.TrimSpace(c.PredictionID)
	c.NameA = strings.TrimSpace(c.NameA)
	c.NameB = strings.TrimSpace(c.NameB)
	c.FeedbackText = strings.TrimSpace(c.FeedbackText)
	if err := domain.Validate(c); err != nil {
		return domain.FeedbackRecord{}, err
	}

	pred, err := s.resolve(ctx, c)
	if err != nil {
		return domain.FeedbackRecord{}, err
	}

	original := pred.PredictedLabel
	if c.OriginalPrediction != nil && *c.OriginalPrediction != original {
		return domain.FeedbackRecord{}, domain.Invalid("original_prediction",
			"is %t but prediction %s was %t", *c.OriginalPrediction, pred.ID, original)
	}

	var correction bool
	switch {
	case c.UserCorrection != nil && c.IsWrong != nil:
		correction = *c.UserCorrection
		if domain.Correction(original, *c.IsWrong) != correction {
			return domain.FeedbackRecord{}, domain.Invalid("user_correction", "contradicts is_wrong")
		}
	case c.UserCorrection != nil:
		correction = *c.UserCorrection
	case c.IsWrong != nil:
		correction = domain.Correction(original, *c.IsWrong)
	default:
		return domain.FeedbackRecord{}, domain.Invalid("user_correction", "or is_wrong is required")
	}

	confidence := pred.MaterialityProbability
	if c.ConfidenceScore != nil {
		confidence = *c.ConfidenceScore
	}

	rec := domain.FeedbackRecord{
		ID:                 uuid.NewString(),
		PredictionRef:      pred.ID,
		NameA:              pred.NameA,
		NameB:              pred.NameB,
		OriginalPrediction: original,
		UserCorrection:     correction,
		ConfidenceScore:    confidence,
		FeedbackText:       c.FeedbackText,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.repo.InsertFeedback(ctx, rec); err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("recording feedback: %w", err)
	}

	metrics.ObserveFeedback(rec.IsCorrection())
	s.logger.Info("feedback recorded",
		zap.String("feedback_id", rec.ID),
		zap.String("prediction_id", rec.PredictionRef),
		zap.Bool("correction", rec.IsCorrection()),
	)
	return rec, nil
}

func (s *Store) resolve(ctx context.Context, c Candidate) (domain.PredictionRecord, error) {
	if c.PredictionID == "" {
		if c.NameA == "" || c.NameB == "" {
			return domain.PredictionRecord{}, domain.Invalid("prediction_id", "or both name1 and name2 are required")
		}
		pred, err := s.repo.LatestPrediction(ctx, c.NameA, c.NameB)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PredictionRecord{}, fmt.Errorf("no prediction for %q / %q: %w", c.NameA, c.NameB, err)
		}
		return pred, err
	}

	pred, err := s.repo.GetPrediction(ctx, c.PredictionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PredictionRecord{}, fmt.Errorf("prediction %s: %w", c.PredictionID, err)
	}
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	if c.NameA != "" && c.NameA != pred.NameA {
		return domain.PredictionRecord{}, domain.Invalid("name1", "does not match prediction %s", pred.ID)
	}
	if c.NameB != "" && c.NameB != pred.NameB {
		return domain.PredictionRecord{}, domain.Invalid("name2", "does not match prediction %s", pred.ID)
	}
	return pred, nil
}

// Stats summarizes all feedback. CorrectionRate is a percentage rounded to
// two decimals.
func (s *Store) Stats(ctx context.Context) (domain.FeedbackStats, error) {
	c, err := s.repo.CountFeedback(ctx)
	if err != nil {
		return domain.FeedbackStats{}, fmt.Errorf("counting feedback: %w", err)
	}
	return domain.FeedbackStats{
		TotalFeedback:       c.Total,
		UnprocessedFeedback: c.Unprocessed,
		CorrectionsCount:    c.Corrections,
		CorrectionRate:      domain.Percent(c.Corrections, c.Total),
	}, nil
}

// Unprocessed returns feedback not yet consumed by a retrain, oldest first.
func (s *Store) Unprocessed(ctx context.Context) ([]domain.FeedbackRecord, error) {
	return s.repo.UnprocessedFeedback(ctx)
}

// Unreconciled returns the ids of feedback a registered version was trained
// on but that is not yet marked processed, grouped by that version.
func (s *Store) Unreconciled(ctx context.Context) (map[int64][]string, error) {
	recs, err := s.repo.UnreconciledFeedback(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]string)
	for _, f := range recs {
		out[f.ConsumedVersion] = append(out[f.ConsumedVersion], f.ID)
	}
	return out, nil
}

func (s *Store) UnprocessedCount(ctx context.Context) (int, error) {
	c, err := s.repo.CountFeedback(ctx)
	if err != nil {
		return 0, err
	}
	return c.Unprocessed, nil
}

// MarkProcessed flags ids as consumed by versionID, atomically. An unknown id
// leaves every record untouched and returns domain.ErrNotFound.
func (s *Store) MarkProcessed(ctx context.Context, ids []string, versionID int64) error {
	n, err := s.repo.MarkFeedbackProcessed(ctx, ids, versionID, s.now())
	if err != nil {
		return err
	}
	s.logger.Debug("feedback marked processed",
		zap.Int64("version_id", versionID),
		zap.Int("requested", len(ids)),
		zap.Int("changed", n),
	)
	return nil
}
