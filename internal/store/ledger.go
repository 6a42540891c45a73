package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Ledger directions.
const (
	Credit = "credit"
	Debit  = "debit"
)

// LedgerEntry is one movement of scan tokens.
type LedgerEntry struct {
	ID            int64     `db:"id" json:"id"`
	Direction     string    `db:"direction" json:"direction"`
	Reason        string    `db:"reason" json:"reason"`
	ReferenceType string    `db:"reference_type" json:"reference_type"`
	ReferenceID   string    `db:"reference_id" json:"reference_id"`
	Delta         int64     `db:"delta" json:"delta"`
	BeforeBalance int64     `db:"before_balance" json:"before_balance"`
	AfterBalance  int64     `db:"after_balance" json:"after_balance"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// debitScan debits one token for a job inside the claim that charges it.
// Debiting the same job again is a no-op.
func (s *Store) debitScan(ctx context.Context, tx *sqlx.Tx, jobID int64) error {
	return s.recordTx(ctx, tx, Debit, "scan", "scan_job", strconv.FormatInt(jobID, 10), -1)
}

// Credit adds tokens under reference, idempotently.
func (s *Store) Credit(ctx context.Context, reference string, tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("credit of %d tokens", tokens)
	}
	return s.record(ctx, Credit, "top_up", "credit", reference, tokens)
}

func (s *Store) record(ctx context.Context, direction, reason, refType, refID string, delta int64) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		return s.recordTx(ctx, tx, direction, reason, refType, refID, delta)
	})
}

func (s *Store) recordTx(ctx context.Context, tx *sqlx.Tx, direction, reason, refType, refID string, delta int64) error {
	var exists int
	err := tx.GetContext(ctx, &exists, `
		SELECT 1 FROM wallet_ledger WHERE reference_type = ? AND reference_id = ? AND direction = ?`,
		refType, refID, direction)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check ledger: %w", err)
	}
	before, err := balance(ctx, tx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (direction, reason, reference_type, reference_id, delta, before_balance, after_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		direction, reason, refType, refID, delta, before, before+delta, s.now())
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", direction, err)
	}
	return nil
}

func balance(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var b int64
	if err := sqlx.GetContext(ctx, q, &b, `SELECT COALESCE(SUM(delta), 0) FROM wallet_ledger`); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return b, nil
}

// Balance returns the current token balance.
func (s *Store) Balance(ctx context.Context) (int64, error) {
	return balance(ctx, s.db)
}

// Ledger lists every entry, oldest first.
func (s *Store) Ledger(ctx context.Context) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := s.db.SelectContext(ctx, &entries, `SELECT * FROM wallet_ledger ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	return entries, nil
}
