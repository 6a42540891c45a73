package jobs

import "time"

// BatchStatus is the state of a batch, derived from its jobs.
type BatchStatus string

const (
	BatchCreated       BatchStatus = "created"
	BatchQueued        BatchStatus = "queued"
	BatchProcessing    BatchStatus = "processing"
	BatchCompleted     BatchStatus = "completed"
	BatchPartialFailed BatchStatus = "partial_failed"
	BatchFailed        BatchStatus = "failed"
)

// ScanBatch groups the sheets uploaded together for one exam.
type ScanBatch struct {
	ID             int64       `db:"id" json:"id"`
	ExamID         int64       `db:"exam_id" json:"exam_id"`
	Status         BatchStatus `db:"-" json:"status"`
	TotalFiles     int         `db:"-" json:"total_files"`
	ProcessedFiles int         `db:"-" json:"processed_files"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	Jobs           []ScanJob   `db:"-" json:"jobs"`
}

// Summarize fills the derived fields from b.Jobs.
func (b *ScanBatch) Summarize() {
	statuses := make([]Status, len(b.Jobs))
	b.ProcessedFiles = 0
	for i, j := range b.Jobs {
		statuses[i] = j.Status
		if j.Status.Terminal() || j.Status == StatusFailed {
			b.ProcessedFiles++
		}
	}
	b.TotalFiles = len(b.Jobs)
	b.Status = DeriveBatchStatus(statuses)
}

// DeriveBatchStatus computes a batch status from its job statuses. A failed
// job that may still be retried counts as settled: the batch does not wait
// for manual retries.
func DeriveBatchStatus(statuses []Status) BatchStatus {
	if len(statuses) == 0 {
		return BatchCreated
	}
	var queued, active, done int
	for _, s := range statuses {
		switch s {
		case StatusQueued:
			queued++
		case StatusProcessing:
			active++
		case StatusDone:
			done++
		}
	}
	switch {
	case queued == len(statuses):
		return BatchQueued
	case queued > 0 || active > 0:
		return BatchProcessing
	case done == len(statuses):
		return BatchCompleted
	case done == 0:
		return BatchFailed
	}
	return BatchPartialFailed
}
