package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kalambet/materiality/internal/domain"
)

var feedbackColumns = []string{
	"id", "prediction_id", "name_a", "name_b", "original_prediction", "user_correction",
	"confidence_score", "feedback_text", "processed", "processed_version", "processed_at", "created_at",
	"consumed_version",
}

// FeedbackCounts aggregates the feedback table.
type FeedbackCounts struct {
	Total       int `db:"total"`
	Unprocessed int `db:"unprocessed"`
	Corrections int `db:"corrections"`
}

// InsertFeedback stores a new, unprocessed feedback record. The referenced
// prediction must exist.
func (s *Store) InsertFeedback(ctx context.Context, f domain.FeedbackRecord) error {
	return s.retry(ctx, "record feedback", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning feedback transaction: %w", err)
		}
		defer tx.Rollback()

		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM predictions WHERE id = ?`, f.PredictionRef); err != nil {
			return fmt.Errorf("checking prediction: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("prediction %s: %w", f.PredictionRef, ErrNotFound)
		}

		query, args, err := sq.Insert("feedback").
			Columns(feedbackColumns...).
			Values(f.ID, f.PredictionRef, f.NameA, f.NameB, f.OriginalPrediction, f.UserCorrection,
				f.ConfidenceScore, f.FeedbackText, false, 0, "", formatTime(f.CreatedAt), 0).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting feedback: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) selectFeedback(ctx context.Context, op string, b sq.SelectBuilder) ([]domain.FeedbackRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []feedbackRow
	err = s.retry(ctx, op, func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.FeedbackRecord, 0, len(rows))
	for _, r := range rows {
		f, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding feedback %s: %w", r.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// GetFeedback returns the feedback record with id.
func (s *Store) GetFeedback(ctx context.Context, id string) (domain.FeedbackRecord, error) {
	recs, err := s.selectFeedback(ctx, "get feedback",
		sq.Select(feedbackColumns...).From("feedback").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	if len(recs) == 0 {
		return domain.FeedbackRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// UnprocessedFeedback returns feedback no version has been trained on yet,
// oldest first.
func (s *Store) UnprocessedFeedback(ctx context.Context) ([]domain.FeedbackRecord, error) {
	return s.selectFeedback(ctx, "list unprocessed feedback",
		sq.Select(feedbackColumns...).
			From("feedback").
			Where(sq.Eq{"processed": 0, "consumed_version": 0}).
			OrderBy("created_at ASC", "rowid ASC"))
}

// UnreconciledFeedback returns feedback claimed by a registered version but
// not yet marked processed, ordered by version.
func (s *Store) UnreconciledFeedback(ctx context.Context) ([]domain.FeedbackRecord, error) {
	return s.selectFeedback(ctx, "list unreconciled feedback",
		sq.Select(feedbackColumns...).
			From("feedback").
			Where(sq.And{sq.Eq{"processed": 0}, sq.NotEq{"consumed_version": 0}}).
			OrderBy("consumed_version ASC", "created_at ASC", "rowid ASC"))
}

// CountFeedback returns the total, unprocessed and correction counts.
func (s *Store) CountFeedback(ctx context.Context) (FeedbackCounts, error) {
	var c FeedbackCounts
	err := s.retry(ctx, "count feedback", func() error {
		return s.db.GetContext(ctx, &c, `
			SELECT
				COUNT(*) AS total,
				COALESCE(SUM(CASE WHEN processed = 0 AND consumed_version = 0 THEN 1 ELSE 0 END), 0) AS unprocessed,
				COALESCE(SUM(CASE WHEN user_correction != original_prediction THEN 1 ELSE 0 END), 0) AS corrections
			FROM feedback`)
	})
	return c, err
}

// MarkFeedbackProcessed flags ids as consumed by versionID in one
// transaction. If any id is unknown nothing changes and ErrNotFound is
// returned. Records that are already processed keep their original version.
// It returns the number of records that changed state.
func (s *Store) MarkFeedbackProcessed(ctx context.Context, ids []string, versionID int64, at time.Time) (int, error) {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return 0, nil
	}

	countQuery, countArgs, err := sq.Select("COUNT(*)").From("feedback").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, err
	}
	updQuery, updArgs, err := sq.Update("feedback").
		Set("processed", 1).
		Set("processed_version", versionID).
		Set("processed_at", formatTime(at)).
		Where(sq.Eq{"id": ids, "processed": 0}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var changed int
	err = s.retry(ctx, "mark feedback processed", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning mark transaction: %w", err)
		}
		defer tx.Rollback()

		var found int
		if err := tx.GetContext(ctx, &found, countQuery, countArgs...); err != nil {
			return fmt.Errorf("checking feedback ids: %w", err)
		}
		if found != len(ids) {
			return fmt.Errorf("%d of %d feedback ids: %w", len(ids)-found, len(ids), ErrNotFound)
		}

		res, err := tx.ExecContext(ctx, updQuery, updArgs...)
		if err != nil {
			return fmt.Errorf("updating feedback: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing mark: %w", err)
		}
		changed = int(n)
		return nil
	})
	return changed, err
}
