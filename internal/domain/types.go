// Package domain holds the records shared by the model lifecycle components
// and the error taxonomy they report.
package domain

import (
	"math"
	"strings"
	"time"
)

// MaterialityThreshold is the probability at or above which a pair is
// labeled material. Ties go to material.
const MaterialityThreshold = 0.5

// Example sources.
const (
	SourceUpload   = "upload"
	SourceFeedback = "feedback"
)

// Version sources.
const (
	VersionFromUpload  = "upload"
	VersionFromRetrain = "retrain"
)

// Pair is an unlabeled pair of legal entity names.
type Pair struct {
	NameA string `json:"name_a" validate:"required,notblank,max=512"`
	NameB string `json:"name_b" validate:"required,notblank,max=512"`
}

// NewPair trims and validates both names.
func NewPair(a, b string) (Pair, error) {
	p := Pair{NameA: strings.TrimSpace(a), NameB: strings.TrimSpace(b)}
	if err := Validate(p); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// TrainingExample is a labeled pair. Label is true when the change between
// the two names is material.
type TrainingExample struct {
	NameA      string `json:"name_a" validate:"required,notblank,max=512"`
	NameB      string `json:"name_b" validate:"required,notblank,max=512"`
	Label      bool   `json:"label"`
	Source     string `json:"source" validate:"oneof=upload feedback"`
	FeedbackID string `json:"feedback_id,omitempty"`
}

// NewTrainingExample builds an upload example from raw names.
func NewTrainingExample(a, b string, label bool) (TrainingExample, error) {
	ex := TrainingExample{
		NameA:  strings.TrimSpace(a),
		NameB:  strings.TrimSpace(b),
		Label:  label,
		Source: SourceUpload,
	}
	if err := Validate(ex); err != nil {
		return TrainingExample{}, err
	}
	return ex, nil
}

// PredictionRecord is an immutable scored pair.
type PredictionRecord struct {
	ID                       string    `json:"id"`
	NameA                    string    `json:"name_a"`
	NameB                    string    `json:"name_b"`
	MaterialityProbability   float64   `json:"materiality_probability"`
	ImmaterialityProbability float64   `json:"immateriality_probability"`
	PredictedLabel           bool      `json:"predicted_label"`
	ModelVersion             int64     `json:"model_version"`
	BatchID                  string    `json:"batch_id,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
}

// DailyStats aggregates the predictions made on one UTC day.
type DailyStats struct {
	Date            string  `json:"date"`
	Total           int     `json:"total_predictions"`
	AvgConfidence   float64 `json:"avg_confidence"`
	MaterialCount   int     `json:"material_count"`
	ImmaterialCount int     `json:"immaterial_count"`
}

// NewPredictionRecord derives the complementary probability and the label
// from p, clamped to [0,1].
func NewPredictionRecord(id string, pair Pair, p float64, version int64, batchID string, now time.Time) PredictionRecord {
	switch {
	case p < 0 || math.IsNaN(p):
		p = 0
	case p > 1:
		p = 1
	}
	return PredictionRecord{
		ID:                       id,
		NameA:                    pair.NameA,
		NameB:                    pair.NameB,
		MaterialityProbability:   p,
		ImmaterialityProbability: 1 - p,
		PredictedLabel:           p >= MaterialityThreshold,
		ModelVersion:             version,
		BatchID:                  batchID,
		CreatedAt:                now,
	}
}

// FeedbackRecord is a reviewer's verdict on a prediction.
type FeedbackRecord struct {
	ID                 string     `json:"id"`
	PredictionRef      string     `json:"prediction_ref"`
	NameA              string     `json:"name_a"`
	NameB              string     `json:"name_b"`
	OriginalPrediction bool       `json:"original_prediction"`
	UserCorrection     bool       `json:"user_correction"`
	ConfidenceScore    float64    `json:"confidence_score"`
	FeedbackText       string     `json:"feedback_text,omitempty"`
	Processed          bool       `json:"processed"`
	ProcessedVersion   int64      `json:"processed_version,omitempty"`
	// ConsumedVersion is the version trained on this record. It is set when
	// that version is registered, before Processed.
	ConsumedVersion    int64      `json:"consumed_version,omitempty"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// IsCorrection reports whether the reviewer disagreed with the model.
func (f FeedbackRecord) IsCorrection() bool {
	return f.UserCorrection != f.OriginalPrediction
}

// Example converts the feedback into a training example labeled with the
// reviewer's verdict.
func (f FeedbackRecord) Example() TrainingExample {
	return TrainingExample{
		NameA:      f.NameA,
		NameB:      f.NameB,
		Label:      f.UserCorrection,
		Source:     SourceFeedback,
		FeedbackID: f.ID,
	}
}

// Correction returns the label a reviewer asserts: flagging a prediction as
// wrong flips it, confirming it keeps it.
func Correction(original, isWrong bool) bool {
	if isWrong {
		return !original
	}
	return original
}

// ModelVersion is one entry of the append-only model history.
type ModelVersion struct {
	VersionID             int64     `json:"version_id"`
	Accuracy              float64   `json:"accuracy"`
	TrainedExampleCount   int       `json:"trained_example_count"`
	ConsumedFeedbackCount int       `json:"consumed_feedback_count"`
	Source                string    `json:"source"`
	CreatedAt             time.Time `json:"created_at"`
	IsActive              bool      `json:"is_active"`
}

// RetrainResult describes the outcome of a retrain attempt. A false Success
// with a Reason is a normal outcome, not an error.
type RetrainResult struct {
	Success          bool          `json:"success"`
	Reason           string        `json:"reason,omitempty"`
	NewVersion       *ModelVersion `json:"new_version,omitempty"`
	ConsumedFeedback int           `json:"consumed_feedback"`
}

// FeedbackStats aggregates the feedback table.
type FeedbackStats struct {
	TotalFeedback       int     `json:"total_feedback"`
	UnprocessedFeedback int     `json:"unprocessed_feedback"`
	CorrectionsCount    int     `json:"corrections_count"`
	CorrectionRate      float64 `json:"correction_rate"`
}

// Percent returns part/total*100 rounded to two decimals, or 0 when total is 0.
func Percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}
