package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/scoring"
)

type (
	// Repository persists exams, jobs, batches and results. Every method
	// that changes a job's status checks the transition and is atomic.
	Repository interface {
		SaveExam(ctx context.Context, exam *scoring.Exam) (*scoring.Exam, error)
		GetExam(ctx context.Context, id int64) (*scoring.Exam, error)

		CreateBatch(ctx context.Context, examID int64, jobs []NewJob, maxAttempts int) (*ScanBatch, error)
		GetBatch(ctx context.Context, id int64) (*ScanBatch, error)
		GetJob(ctx context.Context, id int64) (*ScanJob, error)

		// Claim moves the oldest queued job to processing for workerID,
		// counting the attempt and charging the job. charged reports whether
		// this claim charged it for the first time. A nil job means the
		// queue is empty.
		Claim(ctx context.Context, workerID string) (job *ScanJob, charged bool, err error)
		// Complete stores res and moves the job to done.
		Complete(ctx context.Context, jobID int64, res *scoring.SheetResultDetail) (*ScanJob, error)
		Fail(ctx context.Context, jobID int64, f Failure) (*ScanJob, error)
		// Requeue moves a failed job back to queued while it has attempts
		// left; otherwise it returns ErrAttemptsExhausted. An unreadable
		// image is never requeued: it returns ErrNotRetryable.
		Requeue(ctx context.Context, jobID int64) (*ScanJob, error)
		// Release moves a processing job back to queued without counting
		// the interrupted attempt.
		Release(ctx context.Context, jobID int64) (*ScanJob, error)
		// ReleaseStale releases the jobs left processing since before.
		ReleaseStale(ctx context.Context, before time.Time) ([]*ScanJob, error)
		Cancel(ctx context.Context, jobID int64) (*ScanJob, error)

		GetResult(ctx context.Context, sheetID int64) (*scoring.SheetResultDetail, error)
		UpdateResult(ctx context.Context, res *scoring.SheetResultDetail) error
	}

	// Source resolves a job's source key to the uploaded image bytes.
	Source interface {
		Open(ctx context.Context, key string) ([]byte, error)
	}

	// Biller is told about every job charged for the first time, after the
	// repository has debited its token.
	Biller interface {
		Charge(ctx context.Context, job *ScanJob) error
	}

	// Notifier is told about every job transition.
	Notifier interface {
		JobChanged(job *ScanJob)
	}

	// NotifierFunc adapts a function to Notifier.
	NotifierFunc func(job *ScanJob)
)

func (f NotifierFunc) JobChanged(job *ScanJob) { f(job) }

type nopNotifier struct{}

func (nopNotifier) JobChanged(*ScanJob) {}

// DirSource reads source keys as paths relative to Root.
type DirSource struct {
	Root string
}

// Open reads the file named by key. Keys may not leave Root.
func (s DirSource) Open(_ context.Context, key string) ([]byte, error) {
	clean := filepath.FromSlash(key)
	if !filepath.IsLocal(clean) {
		return nil, fmt.Errorf("source key %q escapes the source directory", key)
	}
	return os.ReadFile(filepath.Join(s.Root, clean))
}

// Service is the job queue used by callers: exam registration, submission,
// status, manual retry and cancellation, results and corrections.
type Service struct {
	repo        Repository
	templates   *layout.Registry
	maxAttempts int
	notify      Notifier
}

// NewService returns a Service. notify may be nil.
func NewService(repo Repository, templates *layout.Registry, maxAttempts int, notify Notifier) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Service{repo: repo, templates: templates, maxAttempts: max(1, maxAttempts), notify: notify}
}

// RegisterExam validates exam against its template and stores it.
func (svc *Service) RegisterExam(ctx context.Context, exam *scoring.Exam) (*scoring.Exam, error) {
	tpl, err := svc.templates.Lookup(exam.TemplateVersion)
	if err != nil {
		return nil, err
	}
	if err := exam.Validate(tpl); err != nil {
		return nil, err
	}
	return svc.repo.SaveExam(ctx, exam)
}

// Exam returns a stored exam.
func (svc *Service) Exam(ctx context.Context, id int64) (*scoring.Exam, error) {
	return svc.repo.GetExam(ctx, id)
}

// Submit queues one job per sheet as a new batch.
func (svc *Service) Submit(ctx context.Context, examID int64, sheets []NewJob) (*ScanBatch, error) {
	if len(sheets) == 0 {
		return nil, errors.New("no sheets submitted")
	}
	exam, err := svc.repo.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	for i := range sheets {
		sheets[i].SetLabelOverride = strings.ToUpper(strings.TrimSpace(sheets[i].SetLabelOverride))
		if err := omr.Validate.Struct(sheets[i]); err != nil {
			return nil, fmt.Errorf("sheet %d: %s", i+1, omr.ValidationMessage(err))
		}
		if o := sheets[i].SetLabelOverride; o != "" {
			if _, ok := exam.Keys[o]; !ok {
				return nil, fmt.Errorf("sheet %d: exam %d has no key for set %q", i+1, examID, o)
			}
		}
	}
	batch, err := svc.repo.CreateBatch(ctx, examID, sheets, svc.maxAttempts)
	if err != nil {
		return nil, err
	}
	for i := range batch.Jobs {
		svc.notify.JobChanged(&batch.Jobs[i])
	}
	return batch, nil
}

// Job returns a job.
func (svc *Service) Job(ctx context.Context, id int64) (*ScanJob, error) {
	return svc.repo.GetJob(ctx, id)
}

// Batch returns a batch with its jobs and derived status.
func (svc *Service) Batch(ctx context.Context, id int64) (*ScanBatch, error) {
	return svc.repo.GetBatch(ctx, id)
}

// Retry requeues a failed job by hand. The attempt cap still applies, and a
// job whose image could not be read is refused with ErrNotRetryable.
func (svc *Service) Retry(ctx context.Context, id int64) (*ScanJob, error) {
	job, err := svc.repo.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.notify.JobChanged(job)
	return job, nil
}

// Cancel cancels a job that has not finished. A processing job stops at its
// next stage boundary.
func (svc *Service) Cancel(ctx context.Context, id int64) (*ScanJob, error) {
	job, err := svc.repo.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.notify.JobChanged(job)
	return job, nil
}

// Result returns a stored sheet result.
func (svc *Service) Result(ctx context.Context, sheetID int64) (*scoring.SheetResultDetail, error) {
	return svc.repo.GetResult(ctx, sheetID)
}

// Correct applies manual corrections to a stored result.
func (svc *Service) Correct(ctx context.Context, sheetID int64, corrections map[int]*omr.Option) (*scoring.SheetResultDetail, error) {
	res, err := svc.repo.GetResult(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	exam, err := svc.repo.GetExam(ctx, res.ExamID)
	if err != nil {
		return nil, err
	}
	if err := scoring.ApplyCorrections(res, exam, corrections); err != nil {
		return nil, err
	}
	if err := svc.repo.UpdateResult(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}
