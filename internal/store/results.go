package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/scoring"
)

// GetResult loads a stored sheet result.
func (s *Store) GetResult(ctx context.Context, sheetID int64) (*scoring.SheetResultDetail, error) {
	var detail string
	if err := s.db.GetContext(ctx, &detail, `SELECT detail_json FROM sheet_results WHERE id = ?`, sheetID); err != nil {
		return nil, notFound(err, "sheet result", sheetID, jobs.ErrNotFound)
	}
	var res scoring.SheetResultDetail
	if err := json.Unmarshal([]byte(detail), &res); err != nil {
		return nil, fmt.Errorf("sheet result %d: corrupt detail: %w", sheetID, err)
	}
	res.SheetID = sheetID
	return &res, nil
}

// UpdateResult overwrites a stored result, after manual correction.
func (s *Store) UpdateResult(ctx context.Context, res *scoring.SheetResultDetail) error {
	detail, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	r, err := s.db.ExecContext(ctx, `UPDATE sheet_results SET detail_json = ?, updated_at = ? WHERE id = ?`,
		string(detail), s.now(), res.SheetID)
	if err != nil {
		return fmt.Errorf("failed to update sheet result %d: %w", res.SheetID, err)
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sheet result %d: %w", res.SheetID, jobs.ErrNotFound)
	}
	return nil
}
