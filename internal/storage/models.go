package storage

import (
	"time"

	"github.com/kalambet/materiality/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// NewVersion is the input of InsertVersion.
type NewVersion struct {
	Snapshot            []byte
	Accuracy            float64
	Examples            []domain.TrainingExample
	ConsumedFeedbackIDs []string
	Source              string
	CreatedAt           time.Time
}

type versionRow struct {
	VersionID             int64   `db:"version_id"`
	Accuracy              float64 `db:"accuracy"`
	TrainedExampleCount   int     `db:"trained_example_count"`
	ConsumedFeedbackCount int     `db:"consumed_feedback_count"`
	Source                string  `db:"source"`
	CreatedAt             string  `db:"created_at"`
	IsActive              bool    `db:"is_active"`
}

func (r versionRow) toDomain() (domain.ModelVersion, error) {
	t, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return domain.ModelVersion{
		VersionID:             r.VersionID,
		Accuracy:              r.Accuracy,
		TrainedExampleCount:   r.TrainedExampleCount,
		ConsumedFeedbackCount: r.ConsumedFeedbackCount,
		Source:                r.Source,
		CreatedAt:             t,
		IsActive:              r.IsActive,
	}, nil
}

type exampleRow struct {
	NameA      string `db:"name_a"`
	NameB      string `db:"name_b"`
	Label      bool   `db:"label"`
	Source     string `db:"source"`
	FeedbackID string `db:"feedback_id"`
}

type predictionRow struct {
	ID                     string  `db:"id"`
	NameA                  string  `db:"name_a"`
	NameB                  string  `db:"name_b"`
	MaterialityProbability float64 `db:"materiality_probability"`
	PredictedLabel         bool    `db:"predicted_label"`
	ModelVersion           int64   `db:"model_version"`
	BatchID                string  `db:"batch_id"`
	CreatedAt              string  `db:"created_at"`
}

func (r predictionRow) toDomain() (domain.PredictionRecord, error) {
	t, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	return domain.PredictionRecord{
		ID:                       r.ID,
		NameA:                    r.NameA,
		NameB:                    r.NameB,
		MaterialityProbability:   r.MaterialityProbability,
		ImmaterialityProbability: 1 - r.MaterialityProbability,
		PredictedLabel:           r.PredictedLabel,
		ModelVersion:             r.ModelVersion,
		BatchID:                  r.BatchID,
		CreatedAt:                t,
	}, nil
}

type feedbackRow struct {
	ID                 string  `db:"id"`
	PredictionID       string  `db:"prediction_id"`
	NameA              string  `db:"name_a"`
	NameB              string  `db:"name_b"`
	OriginalPrediction bool    `db:"original_prediction"`
	UserCorrection     bool    `db:"user_correction"`
	ConfidenceScore    float64 `db:"confidence_score"`
	FeedbackText       string  `db:"feedback_text"`
	Processed          bool    `db:"processed"`
	ProcessedVersion   int64   `db:"processed_version"`
	ProcessedAt        string  `db:"processed_at"`
	CreatedAt          string  `db:"created_at"`
	ConsumedVersion    int64   `db:"consumed_version"`
}

func (r feedbackRow) toDomain() (domain.FeedbackRecord, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	f := domain.FeedbackRecord{
		ID:                 r.ID,
		PredictionRef:      r.PredictionID,
		NameA:              r.NameA,
		NameB:              r.NameB,
		OriginalPrediction: r.OriginalPrediction,
		UserCorrection:     r.UserCorrection,
		ConfidenceScore:    r.ConfidenceScore,
		FeedbackText:       r.FeedbackText,
		Processed:          r.Processed,
		ProcessedVersion:   r.ProcessedVersion,
		ConsumedVersion:    r.ConsumedVersion,
		CreatedAt:          created,
	}
	if r.ProcessedAt != "" {
		at, err := parseTime(r.ProcessedAt)
		if err != nil {
			return domain.FeedbackRecord{}, err
		}
		f.ProcessedAt = &at
	}
	return f, nil
}
