package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/scoring"
)

type examRow struct {
	ID              int64      `db:"id"`
	Title           string     `db:"title"`
	TemplateVersion string     `db:"template_version"`
	KeysJSON        string     `db:"keys_json"`
	SchemeJSON      string     `db:"scheme_json"`
	Finalized       bool       `db:"finalized"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
}

func (r examRow) exam() (*scoring.Exam, error) {
	e := &scoring.Exam{
		ID:              r.ID,
		Title:           r.Title,
		TemplateVersion: r.TemplateVersion,
		Finalized:       r.Finalized,
	}
	if err := json.Unmarshal([]byte(r.KeysJSON), &e.Keys); err != nil {
		return nil, fmt.Errorf("exam %d: corrupt keys: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.SchemeJSON), &e.Scheme); err != nil {
		return nil, fmt.Errorf("exam %d: corrupt scheme: %w", r.ID, err)
	}
	return e, nil
}

// SaveExam inserts exam when its ID is zero and updates it otherwise. A
// finalized exam is never overwritten.
func (s *Store) SaveExam(ctx context.Context, exam *scoring.Exam) (*scoring.Exam, error) {
	keys, err := json.Marshal(exam.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keys: %w", err)
	}
	scheme, err := json.Marshal(exam.Scheme)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheme: %w", err)
	}
	now := s.now()

	saved := *exam
	err = s.tx(ctx, func(tx *sqlx.Tx) error {
		if exam.ID == 0 {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO exams (title, template_version, keys_json, scheme_json, finalized, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				exam.Title, exam.TemplateVersion, string(keys), string(scheme), exam.Finalized, now)
			if err != nil {
				return fmt.Errorf("failed to insert exam: %w", err)
			}
			saved.ID, err = res.LastInsertId()
			return err
		}

		var finalized bool
		if err := tx.GetContext(ctx, &finalized, `SELECT finalized FROM exams WHERE id = ?`, exam.ID); err != nil {
			return notFound(err, "exam", exam.ID, jobs.ErrNotFound)
		}
		if finalized {
			return fmt.Errorf("exam %d: %w", exam.ID, ErrExamFinalized)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE exams SET title = ?, template_version = ?, keys_json = ?, scheme_json = ?, finalized = ?, updated_at = ?
			WHERE id = ?`,
			exam.Title, exam.TemplateVersion, string(keys), string(scheme), exam.Finalized, now, exam.ID)
		if err != nil {
			return fmt.Errorf("failed to update exam: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// GetExam loads an exam.
func (s *Store) GetExam(ctx context.Context, id int64) (*scoring.Exam, error) {
	var row examRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM exams WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "exam", id, jobs.ErrNotFound)
	}
	return row.exam()
}
