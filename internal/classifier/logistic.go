package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kalambet/materiality/internal/domain"
)

const (
	DefaultEpochs       = 500
	DefaultLearningRate = 0.5

	// holdoutEvery selects every n-th example for the accuracy holdout.
	holdoutEvery = 5
	// minHoldoutExamples is the smallest set that gets a holdout split.
	// Smaller sets are scored on the training data itself.
	minHoldoutExamples = 5

	snapshotKind = "logistic/v1"
)

// Options configures the logistic trainer.
type Options struct {
	Epochs       int
	LearningRate float64
}

// LogisticTrainer fits a logistic regression over name-similarity features
// with full-batch gradient descent. Training is deterministic.
type LogisticTrainer struct {
	opts Options
}

func NewLogisticTrainer(opts Options) *LogisticTrainer {
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultEpochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultLearningRate
	}
	return &LogisticTrainer{opts: opts}
}

// LogisticModel is an immutable fitted model.
type LogisticModel struct {
	weights []float64
	bias    float64
}

type snapshot struct {
	Kind    string    `json:"kind"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

type sample struct {
	x []float64
	y float64
}

func (t *LogisticTrainer) Train(ctx context.Context, examples []domain.TrainingExample) (Fit, error) {
	if len(examples) == 0 {
		return Fit{}, domain.Invalid("examples", "must not be empty")
	}
	samples := make([]sample, len(examples))
	for i, ex := range examples {
		y := 0.0
		if ex.Label {
			y = 1
		}
		samples[i] = sample{x: features(domain.Pair{NameA: ex.NameA, NameB: ex.NameB}), y: y}
	}

	var accuracy float64
	if len(samples) < minHoldoutExamples {
		m, err := t.fit(ctx, samples)
		if err != nil {
			return Fit{}, err
		}
		return Fit{Model: m, Accuracy: m.accuracy(samples)}, nil
	}

	var train, holdout []sample
	for i, s := range samples {
		if i%holdoutEvery == holdoutEvery-1 {
			holdout = append(holdout, s)
		} else {
			train = append(train, s)
		}
	}
	held, err := t.fit(ctx, train)
	if err != nil {
		return Fit{}, err
	}
	accuracy = held.accuracy(holdout)

	m, err := t.fit(ctx, samples)
	if err != nil {
		return Fit{}, err
	}
	return Fit{Model: m, Accuracy: accuracy}, nil
}

func (t *LogisticTrainer) fit(ctx context.Context, samples []sample) (*LogisticModel, error) {
	m := &LogisticModel{weights: make([]float64, featureCount)}
	grad := make([]float64, featureCount)
	n := float64(len(samples))

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training interrupted at epoch %d: %w", epoch, err)
		}
		clear(grad)
		var gradBias float64
		for _, s := range samples {
			diff := m.score(s.x) - s.y
			for j, v := range s.x {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range m.weights {
			m.weights[j] -= t.opts.LearningRate * grad[j] / n
		}
		m.bias -= t.opts.LearningRate * gradBias / n
	}
	return m, nil
}

func (t *LogisticTrainer) Restore(data []byte) (Model, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding model snapshot: %w", err)
	}
	if s.Kind != snapshotKind {
		return nil, fmt.Errorf("unsupported model snapshot kind %q", s.Kind)
	}
	if len(s.Weights) != featureCount {
		return nil, fmt.Errorf("model snapshot has %d weights, want %d", len(s.Weights), featureCount)
	}
	return &LogisticModel{weights: s.Weights, bias: s.Bias}, nil
}

func (m *LogisticModel) score(x []float64) float64 {
	z := m.bias
	for j, v := range x {
		z += m.weights[j] * v
	}
	return 1 / (1 + math.Exp(-z))
}

func (m *LogisticModel) Probability(p domain.Pair) float64 {
	return m.score(features(p))
}

func (m *LogisticModel) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{Kind: snapshotKind, Weights: m.weights, Bias: m.bias})
}

func (m *LogisticModel) accuracy(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var correct int
	for _, s := range samples {
		if (m.score(s.x) >= domain.MaterialityThreshold) == (s.y == 1) {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}
