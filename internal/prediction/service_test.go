package prediction

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/storage"
)

type constModel struct{ p float64 }

func (m constModel) Probability(domain.Pair) float64 { return m.p }
func (m constModel) Snapshot() ([]byte, error)       { return []byte(`{}`), nil }

// lengthModel scores by name length so different pairs get different scores.
type lengthModel struct{}

func (lengthModel) Probability(p domain.Pair) float64 {
	return float64(len(p.NameA)%10) / 10
}
func (lengthModel) Snapshot() ([]byte, error) { return []byte(`{}`), nil }

func setup(t *testing.T) (*Service, *registry.Registry, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := registry.New(db, classifier.NewLogisticTrainer(classifier.Options{}), zap.NewNop())
	return NewService(reg, db, zap.NewNop()), reg, db
}

func register(t *testing.T, reg *registry.Registry, m classifier.Model) domain.ModelVersion {
	t.Helper()
	v, err := reg.Register(context.Background(), m, 1,
		[]domain.TrainingExample{{NameA: "a", NameB: "b", Source: domain.SourceUpload}}, nil, domain.VersionFromUpload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return v
}

func pairs() []domain.Pair {
	return []domain.Pair{
		{NameA: "ABC LTD", NameB: "ABC Ltd"},
		{NameA: "XYZ Corp", NameB: "Acme Inc"},
		{NameA: "Foo", NameB: "Bar"},
	}
}

func TestNoModelTrained(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	if _, err := svc.PredictBatch(ctx, pairs()); !errors.Is(err, domain.ErrNoModelTrained) {
		t.Errorf("PredictBatch = %v, want ErrNoModelTrained", err)
	}
	if _, err := svc.PredictAll(ctx, pairs()); !errors.Is(err, domain.ErrNoModelTrained) {
		t.Errorf("PredictAll = %v, want ErrNoModelTrained", err)
	}
	if _, err := svc.PredictOne(ctx, "", ""); !errors.Is(err, domain.ErrNoModelTrained) {
		t.Errorf("PredictOne = %v, want ErrNoModelTrained", err)
	}
}

func TestProbabilitiesSumToOne(t *testing.T) {
	svc, reg, _ := setup(t)
	register(t, reg, lengthModel{})

	recs, err := svc.PredictAll(context.Background(), pairs())
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	for _, r := range recs {
		if math.Abs(r.MaterialityProbability+r.ImmaterialityProbability-1) > 1e-9 {
			t.Errorf("%s: probabilities sum to %v", r.ID, r.MaterialityProbability+r.ImmaterialityProbability)
		}
		if r.PredictedLabel != (r.MaterialityProbability >= 0.5) {
			t.Errorf("%s: label %t inconsistent with p=%v", r.ID, r.PredictedLabel, r.MaterialityProbability)
		}
	}
}

func TestTieGoesToMaterial(t *testing.T) {
	svc, reg, _ := setup(t)
	register(t, reg, constModel{0.5})

	rec, err := svc.PredictOne(context.Background(), "A", "B")
	if err != nil {
		t.Fatalf("PredictOne: %v", err)
	}
	if !rec.PredictedLabel {
		t.Error("p = 0.5 must be labeled material")
	}
}

func TestPredictOneValidatesNames(t *testing.T) {
	svc, reg, _ := setup(t)
	register(t, reg, constModel{0.5})

	if _, err := svc.PredictOne(context.Background(), "  ", "B"); !domain.IsValidation(err) {
		t.Errorf("PredictOne(blank) = %v, want ValidationError", err)
	}
}

func TestBatchIsLazyAndRestartable(t *testing.T) {
	svc, reg, db := setup(t)
	register(t, reg, lengthModel{})
	ctx := context.Background()

	b, err := svc.PredictBatch(ctx, pairs())
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if n, _ := db.CountPredictions(ctx); n != 0 {
		t.Fatalf("predictions persisted before iteration: %d", n)
	}

	// Stop after the first record.
	for _, err := range b.All(ctx) {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		break
	}
	if n, _ := db.CountPredictions(ctx); n != 1 {
		t.Errorf("after partial pass persisted = %d, want 1", n)
	}

	first, err := b.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	second, err := b.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("passes returned %d and %d records, want 3", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("record %d changed between passes: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
	if n, _ := db.CountPredictions(ctx); n != 3 {
		t.Errorf("persisted = %d, want 3", n)
	}
}

func TestBatchKeepsBoundVersion(t *testing.T) {
	svc, reg, _ := setup(t)
	v1 := register(t, reg, constModel{0.1})
	ctx := context.Background()

	b, err := svc.PredictBatch(ctx, pairs())
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	i := 0
	for rec, err := range b.All(ctx) {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if i == 0 {
			register(t, reg, constModel{0.9})
		}
		if rec.ModelVersion != v1.VersionID || rec.MaterialityProbability != 0.1 {
			t.Errorf("record %d scored by version %d (p=%v), want %d", i, rec.ModelVersion, rec.MaterialityProbability, v1.VersionID)
		}
		i++
	}
}

func TestPredictAllSharesBatch(t *testing.T) {
	svc, reg, _ := setup(t)
	register(t, reg, lengthModel{})
	ctx := context.Background()

	recs, err := svc.PredictAll(ctx, pairs())
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	batchID := recs[0].BatchID
	if batchID == "" {
		t.Fatal("batch id not assigned")
	}
	stored, err := svc.BatchRecords(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchRecords: %v", err)
	}
	if len(stored) != len(recs) {
		t.Fatalf("stored %d records, want %d", len(stored), len(recs))
	}
	for i := range recs {
		if recs[i].BatchID != batchID {
			t.Errorf("record %d batch = %q, want %q", i, recs[i].BatchID, batchID)
		}
		if stored[i].NameA != pairs()[i].NameA {
			t.Errorf("stored[%d] = %q, want %q", i, stored[i].NameA, pairs()[i].NameA)
		}
	}
}

func TestPredictAllHonoursCancellation(t *testing.T) {
	svc, reg, db := setup(t)
	register(t, reg, lengthModel{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.PredictAll(ctx, pairs()); !errors.Is(err, context.Canceled) {
		t.Errorf("PredictAll = %v, want context.Canceled", err)
	}
	if n, _ := db.CountPredictions(context.Background()); n != 0 {
		t.Errorf("persisted = %d, want 0", n)
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize(nil); got != (Summary{}) {
		t.Errorf("Summarize(nil) = %+v, want zero", got)
	}
	recs := []domain.PredictionRecord{{PredictedLabel: true}, {}, {}}
	got := Summarize(recs)
	want := Summary{TotalPredictions: 3, MaterialCount: 1, ImmaterialCount: 2, MaterialPercentage: 33.33}
	if got != want {
		t.Errorf("Summarize = %+v, want %+v", got, want)
	}
}

func TestDailyStatsWindow(t *testing.T) {
	svc, reg, _ := setup(t)
	register(t, reg, constModel{0.7})
	ctx := context.Background()

	now := time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{now.AddDate(0, 0, -2), now.AddDate(0, 0, -1), now} {
		svc.now = func() time.Time { return at }
		if _, err := svc.PredictOne(ctx, "ABC LTD", "ABC Ltd"); err != nil {
			t.Fatalf("PredictOne: %v", err)
		}
	}
	svc.now = func() time.Time { return now }

	stats, err := svc.DailyStats(ctx, 2)
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(stats) != 2 || stats[0].Date != "2026-05-19" || stats[1].Date != "2026-05-20" {
		t.Errorf("stats = %+v, want 2026-05-19 and 2026-05-20", stats)
	}
	if stats[0].MaterialCount != 1 || stats[0].ImmaterialCount != 0 {
		t.Errorf("first day = %+v", stats[0])
	}

	for _, days := range []int{0, -1, MaxAnalyticsDays + 1} {
		if _, err := svc.DailyStats(ctx, days); !domain.IsValidation(err) {
			t.Errorf("DailyStats(%d) = %v, want validation error", days, err)
		}
	}
}
