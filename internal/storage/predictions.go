package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kalambet/materiality/internal/domain"
)

var predictionColumns = []string{
	"id", "name_a", "name_b", "materiality_probability", "predicted_label",
	"model_version", "batch_id", "created_at",
}

// SavePredictions persists records in a single transaction.
func (s *Store) SavePredictions(ctx context.Context, records []domain.PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.retry(ctx, "save predictions", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning prediction transaction: %w", err)
		}
		defer tx.Rollback()

		for start := 0; start < len(records); start += exampleBatch {
			end := min(start+exampleBatch, len(records))
			ins := sq.Insert("predictions").Columns(predictionColumns...)
			for _, r := range records[start:end] {
				ins = ins.Values(r.ID, r.NameA, r.NameB, r.MaterialityProbability, r.PredictedLabel,
					r.ModelVersion, r.BatchID, formatTime(r.CreatedAt))
			}
			query, args, err := ins.ToSql()
			if err != nil {
				return fmt.Errorf("building prediction insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("inserting predictions: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) selectPredictions(ctx context.Context, op string, b sq.SelectBuilder) ([]domain.PredictionRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []predictionRow
	err = s.retry(ctx, op, func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PredictionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding prediction %s: %w", r.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetPrediction returns the prediction with id.
func (s *Store) GetPrediction(ctx context.Context, id string) (domain.PredictionRecord, error) {
	recs, err := s.selectPredictions(ctx, "get prediction",
		sq.Select(predictionColumns...).From("predictions").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	if len(recs) == 0 {
		return domain.PredictionRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// LatestPrediction returns the most recent prediction for the name pair.
func (s *Store) LatestPrediction(ctx context.Context, nameA, nameB string) (domain.PredictionRecord, error) {
	recs, err := s.selectPredictions(ctx, "find prediction",
		sq.Select(predictionColumns...).
			From("predictions").
			Where(sq.Eq{"name_a": nameA, "name_b": nameB}).
			OrderBy("created_at DESC", "rowid DESC").
			Limit(1))
	if err != nil {
		return domain.PredictionRecord{}, err
	}
	if len(recs) == 0 {
		return domain.PredictionRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// BatchPredictions returns the predictions of a batch in scoring order.
func (s *Store) BatchPredictions(ctx context.Context, batchID string) ([]domain.PredictionRecord, error) {
	recs, err := s.selectPredictions(ctx, "load batch",
		sq.Select(predictionColumns...).
			From("predictions").
			Where(sq.Eq{"batch_id": batchID}).
			OrderBy("rowid ASC"))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// CountPredictions returns the number of stored predictions.
func (s *Store) CountPredictions(ctx context.Context) (int, error) {
	var n int
	err := s.retry(ctx, "count predictions", func() error {
		err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM predictions`)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return n, err
}

type dailyRow struct {
	Day        string  `db:"day"`
	Total      int     `db:"total"`
	Confidence float64 `db:"avg_confidence"`
	Material   int     `db:"material"`
	Immaterial int     `db:"immaterial"`
}

// DailyPredictionStats aggregates predictions created at or after since by
// UTC day, oldest day first. Confidence is the probability of the predicted
// label.
func (s *Store) DailyPredictionStats(ctx context.Context, since time.Time) ([]domain.DailyStats, error) {
	query, args, err := sq.Select(
		"substr(created_at, 1, 10) AS day",
		"COUNT(*) AS total",
		"AVG(MAX(materiality_probability, 1 - materiality_probability)) AS avg_confidence",
		"SUM(CASE WHEN predicted_label = 1 THEN 1 ELSE 0 END) AS material",
		"SUM(CASE WHEN predicted_label = 0 THEN 1 ELSE 0 END) AS immaterial",
	).
		From("predictions").
		Where(sq.GtOrEq{"created_at": formatTime(since)}).
		GroupBy("day").
		OrderBy("day ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building daily stats query: %w", err)
	}
	var rows []dailyRow
	err = s.retry(ctx, "daily prediction stats", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.DailyStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DailyStats{
			Date:            r.Day,
			Total:           r.Total,
			AvgConfidence:   r.Confidence,
			MaterialCount:   r.Material,
			ImmaterialCount: r.Immaterial,
		})
	}
	return out, nil
}
