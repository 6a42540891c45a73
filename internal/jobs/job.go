// Package jobs models scan jobs and batches, enforces the job state machine
// and runs queued jobs through the recognition pipeline on a worker pool.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	ErrNotRetryable      = errors.New("failure is not retryable")
)

// Status is the state of a scan job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCanceled},
	// processing -> queued releases a job whose worker stopped mid-scan.
	StatusProcessing: {StatusDone, StatusFailed, StatusCanceled, StatusQueued},
	StatusFailed:     {StatusQueued, StatusCanceled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not
// allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ScanJob is the processing of one uploaded sheet.
type ScanJob struct {
	ID               int64   `db:"id" json:"id"`
	BatchID          int64   `db:"batch_id" json:"batch_id"`
	ExamID           int64   `db:"exam_id" json:"exam_id"`
	SourceKey        string  `db:"source_file_key" json:"source_file_key"`
	SetLabelOverride *string `db:"set_label_override" json:"set_label_override,omitempty"`
	RotationHint     int     `db:"rotation_hint" json:"rotation_hint"`
	Status           Status  `db:"status" json:"status"`
	Attempts         int     `db:"attempts" json:"attempts"`
	MaxAttempts      int     `db:"max_attempts" json:"max_attempts"`
	ErrorCode        *string `db:"error_code" json:"error_code"`
	ErrorMessage     *string `db:"error_message" json:"error_message"`
	TokenCharged     bool    `db:"token_charged" json:"token_charged"`
	ReviewRequired   bool    `db:"review_required" json:"review_required"`
	WorkerID         *string `db:"worker_id" json:"worker_id,omitempty"`
	SheetID          *int64  `db:"sheet_id" json:"sheet_id,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at"`
}

// CanRetry reports whether a failed job has attempts left.
func (j *ScanJob) CanRetry() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// NewJob is one sheet of a submitted batch.
type NewJob struct {
	SourceKey        string `json:"source_file_key" validate:"notblank"`
	SetLabelOverride string `json:"set_label_override,omitempty" validate:"omitempty,option"`
	RotationHint     int    `json:"rotation_hint" validate:"oneof=0 90 180 270"`
}

// Failure is the classified outcome of a failed attempt.
type Failure struct {
	Code    string
	Message string
	// Review flags the job for manual handling.
	Review bool
}
