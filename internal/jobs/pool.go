package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/pipeline"
)

// Scanner runs one sheet through recognition. *pipeline.Engine implements
// it.
type Scanner interface {
	Scan(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// PoolConfig wires a Pool.
type PoolConfig struct {
	Repo      Repository
	Source    Source
	Scanner   Scanner
	Templates *layout.Registry
	// Biller and Notifier may be nil.
	Biller   Biller
	Notifier Notifier
	Logger   *log.Logger

	Workers int
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration
	// StaleAfter is how long a job may stay processing before Recover
	// releases it.
	StaleAfter time.Duration
}

// Pool runs queued jobs on a fixed number of workers.
type Pool struct {
	cfg PoolConfig
}

// NewPool returns a Pool; zero settings get one worker polling every
// second and releasing jobs stuck for ten minutes.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Pool{cfg: cfg}
}

// Recover releases jobs left processing for longer than StaleAfter by a
// process that stopped without recording their outcome.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	released, err := p.cfg.Repo.ReleaseStale(ctx, time.Now().Add(-p.cfg.StaleAfter))
	for _, job := range released {
		p.cfg.Notifier.JobChanged(job)
		p.cfg.Logger.Printf("job %d: released stale claim", job.ID)
	}
	if err != nil {
		return len(released), fmt.Errorf("failed to release stale jobs: %w", err)
	}
	return len(released), nil
}

// Run recovers stale jobs, starts the workers and blocks until ctx is done
// and every worker has finished its current job.
func (p *Pool) Run(ctx context.Context) {
	if _, err := p.Recover(ctx); err != nil {
		p.cfg.Logger.Print(err)
	}
	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for range p.cfg.Workers {
		workerID := uuid.NewString()
		go func() {
			defer wg.Done()
			p.work(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, workerID string) {
	p.cfg.Logger.Printf("worker %s started", workerID)
	defer p.cfg.Logger.Printf("worker %s stopped", workerID)
	for {
		ran, err := p.RunOnce(ctx, workerID)
		if err != nil {
			p.cfg.Logger.Printf("worker %s: %v", workerID, err)
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Drain recovers stale jobs, then runs jobs on the calling goroutine until
// the queue is empty and returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	if _, err := p.Recover(ctx); err != nil {
		return 0, err
	}
	workerID := uuid.NewString()
	n := 0
	for {
		ran, err := p.RunOnce(ctx, workerID)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// RunOnce claims one queued job and processes it. It reports false when the
// queue was empty. Scan failures are recorded on the job, not returned. Once
// claimed, the job's outcome is recorded even if ctx ends during the scan;
// a scan interrupted that way puts the job back in the queue.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	job, charged, err := p.cfg.Repo.Claim(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.cfg.Notifier.JobChanged(job)
	rec := context.WithoutCancel(ctx)
	if charged && p.cfg.Biller != nil {
		if err := p.cfg.Biller.Charge(rec, job); err != nil {
			p.cfg.Logger.Printf("job %d: billing failed: %v", job.ID, err)
		}
	}

	outcome, scanErr := p.scan(ctx, job)
	if scanErr == nil {
		outcome.Result.JobID = job.ID
		done, err := p.cfg.Repo.Complete(rec, job.ID, outcome.Result)
		if errors.Is(err, ErrInvalidTransition) {
			// Canceled while the last stage ran.
			p.cfg.Logger.Printf("job %d: result discarded: %v", job.ID, err)
			return true, nil
		}
		if err != nil {
			return true, fmt.Errorf("job %d: failed to store result: %w", job.ID, err)
		}
		p.cfg.Notifier.JobChanged(done)
		return true, nil
	}
	if ctx.Err() != nil && omr.CodeOf(scanErr) != omr.CodeCanceled {
		scanErr = omr.Wrap(omr.CodeCanceled, scanErr, "worker stopping")
	}
	return true, p.fail(rec, job, scanErr)
}

func (p *Pool) scan(ctx context.Context, job *ScanJob) (*pipeline.Outcome, error) {
	exam, err := p.cfg.Repo.GetExam(ctx, job.ExamID)
	if err != nil {
		return nil, omr.Wrap(omr.CodeInternal, err, "exam lookup failed")
	}
	tpl, err := p.cfg.Templates.Lookup(exam.TemplateVersion)
	if err != nil {
		return nil, omr.Wrap(omr.CodeInternal, err, "template lookup failed")
	}
	data, err := p.cfg.Source.Open(ctx, job.SourceKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, omr.Wrap(omr.CodeInvalidImage, err, "source file missing")
	}
	if err != nil {
		return nil, omr.Wrap(omr.CodeInternal, err, "source read failed")
	}

	req := pipeline.Request{
		Exam:     exam,
		Template: tpl,
		Capture:  pipeline.Capture{Data: data, Rotation: job.RotationHint, SourceKey: job.SourceKey},
		Attempt:  job.Attempts,
		Checkpoint: func(stage pipeline.Stage) error {
			current, err := p.cfg.Repo.GetJob(ctx, job.ID)
			if err != nil {
				return nil
			}
			if current.Status == StatusCanceled {
				return fmt.Errorf("job %d canceled before %s", job.ID, stage)
			}
			return nil
		},
	}
	if job.SetLabelOverride != nil {
		req.SetOverride = *job.SetLabelOverride
	}
	outcome, err := p.cfg.Scanner.Scan(ctx, req)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// fail records a failed attempt and requeues it when another attempt may
// succeed. A scan stopped without the user canceling the job means the
// worker is shutting down: the job goes back to the queue.
func (p *Pool) fail(ctx context.Context, job *ScanJob, scanErr error) error {
	e := omr.AsError(scanErr)
	if e.Code == omr.CodeCanceled {
		current, err := p.cfg.Repo.GetJob(ctx, job.ID)
		if err == nil && current.Status == StatusCanceled {
			p.cfg.Logger.Printf("job %d: stopped after cancellation", job.ID)
			return nil
		}
		released, err := p.cfg.Repo.Release(ctx, job.ID)
		if errors.Is(err, ErrInvalidTransition) {
			p.cfg.Logger.Printf("job %d: release discarded: %v", job.ID, err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("job %d: failed to release: %w", job.ID, err)
		}
		p.cfg.Notifier.JobChanged(released)
		p.cfg.Logger.Printf("job %d: attempt %d interrupted, back in the queue", job.ID, job.Attempts)
		return nil
	}

	retry := e.Retryable() && job.Attempts < job.MaxAttempts
	failed, err := p.cfg.Repo.Fail(ctx, job.ID, Failure{
		Code:    string(e.Code),
		Message: e.Error(),
		Review:  !retry,
	})
	if errors.Is(err, ErrInvalidTransition) {
		p.cfg.Logger.Printf("job %d: failure discarded: %v", job.ID, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("job %d: failed to record failure: %w", job.ID, err)
	}
	p.cfg.Notifier.JobChanged(failed)
	p.cfg.Logger.Printf("job %d: attempt %d/%d failed with %s: %s", job.ID, job.Attempts, job.MaxAttempts, e.Code, e.Message)

	if !retry {
		return nil
	}
	queued, err := p.cfg.Repo.Requeue(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("job %d: failed to requeue: %w", job.ID, err)
	}
	p.cfg.Notifier.JobChanged(queued)
	return nil
}
