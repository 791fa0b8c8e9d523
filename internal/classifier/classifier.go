// Package classifier defines the pluggable materiality classifier and ships a
// logistic-regression implementation over name-similarity features.
package classifier

import (
	"context"

	"github.com/kalambet/materiality/internal/domain"
)

// Model scores a name pair. Implementations must be safe for concurrent use.
type Model interface {
	// Probability returns the probability that the change from NameA to
	// NameB is material.
	Probability(p domain.Pair) float64
	// Snapshot serializes the model so Trainer.Restore can rebuild it.
	Snapshot() ([]byte, error)
}

// Fit is the outcome of a training run.
type Fit struct {
	Model    Model
	Accuracy float64
}

// Trainer fits models from labeled examples and restores persisted ones.
type Trainer interface {
	// Train fits a model. It returns ctx.Err() (wrapped) when ctx is done
	// before training completes.
	Train(ctx context.Context, examples []domain.TrainingExample) (Fit, error)
	Restore(snapshot []byte) (Model, error)
}
