package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/kalambet/materiality/internal/domain"
)

var versionColumns = []string{
	"version_id", "accuracy", "trained_example_count", "consumed_feedback_count",
	"source", "created_at", "is_active",
}

// exampleBatch bounds the number of rows per multi-row INSERT.
const exampleBatch = 100

// InsertVersion appends a model version with its training set and makes it
// the only active version. Everything happens in one transaction, so on
// failure the previously active version stays active.
func (s *Store) InsertVersion(ctx context.Context, nv NewVersion) (domain.ModelVersion, error) {
	var v domain.ModelVersion
	err := s.retry(ctx, "register version", func() error {
		var err error
		v, err = s.insertVersion(ctx, nv)
		return err
	})
	return v, err
}

func (s *Store) insertVersion(ctx context.Context, nv NewVersion) (domain.ModelVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("beginning version transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE model_versions SET is_active = 0 WHERE is_active = 1`); err != nil {
		return domain.ModelVersion{}, fmt.Errorf("deactivating previous version: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO model_versions (accuracy, trained_example_count, consumed_feedback_count, source, snapshot, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		nv.Accuracy, len(nv.Examples), len(nv.ConsumedFeedbackIDs), nv.Source, nv.Snapshot, formatTime(nv.CreatedAt),
	)
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("inserting version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("reading version id: %w", err)
	}

	if err := claimFeedback(ctx, tx, id, nv.ConsumedFeedbackIDs); err != nil {
		return domain.ModelVersion{}, err
	}

	for start := 0; start < len(nv.Examples); start += exampleBatch {
		end := min(start+exampleBatch, len(nv.Examples))
		ins := sq.Insert("training_examples").
			Columns("version_id", "seq", "name_a", "name_b", "label", "source", "feedback_id")
		for i, ex := range nv.Examples[start:end] {
			ins = ins.Values(id, start+i, ex.NameA, ex.NameB, ex.Label, ex.Source, ex.FeedbackID)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return domain.ModelVersion{}, fmt.Errorf("building training set insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return domain.ModelVersion{}, fmt.Errorf("inserting training set: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ModelVersion{}, fmt.Errorf("committing version: %w", err)
	}

	return domain.ModelVersion{
		VersionID:             id,
		Accuracy:              nv.Accuracy,
		TrainedExampleCount:   len(nv.Examples),
		ConsumedFeedbackCount: len(nv.ConsumedFeedbackIDs),
		Source:                nv.Source,
		CreatedAt:             nv.CreatedAt.UTC(),
		IsActive:              true,
	}, nil
}

// claimFeedback records versionID as the consumer of ids. Every id must exist
// and be unclaimed, otherwise the registration is rolled back.
func claimFeedback(ctx context.Context, tx *sqlx.Tx, versionID int64, ids []string) error {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("feedback").
		Set("consumed_version", versionID).
		Where(sq.Eq{"id": ids, "processed": 0, "consumed_version": 0}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("claiming feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(ids) {
		return fmt.Errorf("claiming feedback: %d of %d records missing or already consumed: %w",
			len(ids)-int(n), len(ids), ErrNotFound)
	}
	return nil
}

func (s *Store) getVersion(ctx context.Context, where sq.Sqlizer) (domain.ModelVersion, error) {
	query, args, err := sq.Select(versionColumns...).From("model_versions").Where(where).ToSql()
	if err != nil {
		return domain.ModelVersion{}, err
	}
	var row versionRow
	err = s.retry(ctx, "get version", func() error {
		err := s.db.GetContext(ctx, &row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return row.toDomain()
}

// GetVersion returns the version with id.
func (s *Store) GetVersion(ctx context.Context, id int64) (domain.ModelVersion, error) {
	return s.getVersion(ctx, sq.Eq{"version_id": id})
}

// ActiveVersion returns the active version, or ErrNotFound before the first
// registration.
func (s *Store) ActiveVersion(ctx context.Context) (domain.ModelVersion, error) {
	return s.getVersion(ctx, sq.Eq{"is_active": 1})
}

// ListVersions returns every version, most recent first.
func (s *Store) ListVersions(ctx context.Context) ([]domain.ModelVersion, error) {
	query, args, err := sq.Select(versionColumns...).
		From("model_versions").
		OrderBy("version_id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []versionRow
	err = s.retry(ctx, "list versions", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	versions := make([]domain.ModelVersion, 0, len(rows))
	for _, r := range rows {
		v, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding version %d: %w", r.VersionID, err)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// VersionSnapshot returns the serialized classifier of version id.
func (s *Store) VersionSnapshot(ctx context.Context, id int64) ([]byte, error) {
	var snapshot []byte
	err := s.retry(ctx, "load snapshot", func() error {
		err := s.db.GetContext(ctx, &snapshot, `SELECT snapshot FROM model_versions WHERE version_id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return snapshot, err
}

// TrainingExamples returns the training set version id was fitted on, in
// insertion order.
func (s *Store) TrainingExamples(ctx context.Context, id int64) ([]domain.TrainingExample, error) {
	if _, err := s.GetVersion(ctx, id); err != nil {
		return nil, err
	}
	query, args, err := sq.Select("name_a", "name_b", "label", "source", "feedback_id").
		From("training_examples").
		Where(sq.Eq{"version_id": id}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []exampleRow
	err = s.retry(ctx, "load training set", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	examples := make([]domain.TrainingExample, len(rows))
	for i, r := range rows {
		examples[i] = domain.TrainingExample{
			NameA:      r.NameA,
			NameB:      r.NameB,
			Label:      r.Label,
			Source:     r.Source,
			FeedbackID: r.FeedbackID,
		}
	}
	return examples, nil
}
