package jobs_test

import (
	"context"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/pipeline"
	"github.com/optimark/omr-engine/internal/scoring"
	"github.com/optimark/omr-engine/internal/store"
	"github.com/optimark/omr-engine/internal/synth"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	store     *store.Store
	templates *layout.Registry
	tpl       *layout.Template
	svc       *jobs.Service
	exam      *scoring.Exam
	dir       string
	events    *recorder
	billed    *billing
}

// billing records the jobs it is told were charged.
type billing struct {
	mu   sync.Mutex
	jobs []int64
}

func (b *billing) Charge(_ context.Context, j *jobs.ScanJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, j.ID)
	return nil
}

func (b *billing) charged() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.jobs...)
}

type recorder struct {
	mu     sync.Mutex
	events []jobs.Status
}

func (r *recorder) JobChanged(j *jobs.ScanJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, j.Status)
}

func (r *recorder) statuses() []jobs.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Status(nil), r.events...)
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	templates := layout.NewDefaultRegistry()
	tpl, err := templates.Ensure(layout.Spec{QuestionCount: 20})
	require.NoError(t, err)

	f := &fixture{store: s, templates: templates, tpl: tpl, dir: t.TempDir(), events: &recorder{}, billed: &billing{}}
	f.svc = jobs.NewService(s, templates, maxAttempts, f.events)

	key := scoring.AnswerKey{}
	for q := 1; q <= 20; q++ {
		key[q] = omr.OptionAt(q % 4)
	}
	f.exam, err = f.svc.RegisterExam(context.Background(), &scoring.Exam{
		Title:           "Unit test",
		TemplateVersion: tpl.Version,
		Keys:            map[string]scoring.AnswerKey{"A": key},
		Scheme:          scoring.DefaultScheme,
		Finalized:       true,
	})
	require.NoError(t, err)
	return f
}

// writeSheet renders a capture answering every question correctly except the
// first wrong ones.
func (f *fixture) writeSheet(t *testing.T, name string, wrong int, opts synth.Options) {
	t.Helper()
	answers := map[int]omr.Option{}
	for q, o := range f.exam.Keys["A"] {
		answers[q] = o
		if q <= wrong {
			answers[q] = omr.OptionAt((o.Index() + 1) % 4)
		}
	}
	c, err := synth.Render(f.tpl, synth.Sheet{Answers: synth.Single(answers), SetCode: "A", Roll: "1001"}, opts)
	require.NoError(t, err)
	out, err := os.Create(filepath.Join(f.dir, name))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, png.Encode(out, c.Image))
}

func (f *fixture) pool(scanner jobs.Scanner) *jobs.Pool {
	return jobs.NewPool(jobs.PoolConfig{
		Repo:      f.store,
		Source:    jobs.DirSource{Root: f.dir},
		Scanner:   scanner,
		Templates: f.templates,
		Biller:    f.billed,
		Notifier:  f.events,
		Logger:    quiet,
	})
}

func TestPoolScansBatch(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.writeSheet(t, "good.png", 3, synth.Options{})
	f.writeSheet(t, "upside-down.png", 0, synth.Options{Rotate180: true})

	batch, err := f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{
		{SourceKey: "good.png"},
		{SourceKey: "upside-down.png"},
		{SourceKey: "missing.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.BatchQueued, batch.Status)

	n, err := f.pool(pipeline.New(pipeline.Options{}, nil, quiet)).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	batch, err = f.svc.Batch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.BatchPartialFailed, batch.Status)
	assert.Equal(t, 3, batch.ProcessedFiles)

	good := batch.Jobs[0]
	assert.Equal(t, jobs.StatusDone, good.Status)
	require.NotNil(t, good.SheetID)
	res, err := f.svc.Result(ctx, *good.SheetID)
	require.NoError(t, err)
	assert.Equal(t, 17, res.Summary.Correct)
	assert.Equal(t, 3, res.Summary.Wrong)
	assert.Equal(t, good.ID, res.JobID)
	assert.Equal(t, "1001", *res.StudentIdentifier)

	rotated := batch.Jobs[1]
	assert.Equal(t, jobs.StatusDone, rotated.Status)
	res, err = f.svc.Result(ctx, *rotated.SheetID)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Summary.Correct)

	missing := batch.Jobs[2]
	assert.Equal(t, jobs.StatusFailed, missing.Status)
	assert.Equal(t, string(omr.CodeInvalidImage), *missing.ErrorCode)
	assert.True(t, missing.ReviewRequired)
	assert.Equal(t, 1, missing.Attempts)

	// Every claimed job is charged once, failed or not.
	bal, err := f.store.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), bal)
}

// scripted fails the first attempts with the given errors and then
// succeeds.
type scripted struct {
	mu       sync.Mutex
	errs     []error
	attempts []int
	onScan   func(req pipeline.Request) error
}

func (s *scripted) Scan(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, req.Attempt)
	if s.onScan != nil {
		if err := s.onScan(req); err != nil {
			return nil, err
		}
	}
	if len(s.attempts) <= len(s.errs) {
		return nil, s.errs[len(s.attempts)-1]
	}
	return &pipeline.Outcome{Result: &scoring.SheetResultDetail{ExamID: req.Exam.ID}}, nil
}

func submitOne(t *testing.T, f *fixture) *jobs.ScanJob {
	t.Helper()
	f.writeSheet(t, "sheet.png", 0, synth.Options{})
	batch, err := f.svc.Submit(context.Background(), f.exam.ID, []jobs.NewJob{{SourceKey: "sheet.png"}})
	require.NoError(t, err)
	return &batch.Jobs[0]
}

func TestPoolRetriesWithoutDoubleCharge(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	job := submitOne(t, f)

	scanner := &scripted{errs: []error{
		omr.Errorf(omr.CodeAlignmentFailed, "two markers"),
		omr.Errorf(omr.CodeAlignmentFailed, "implausible frame"),
	}}
	n, err := f.pool(scanner).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, scanner.attempts, "each retry moves to the next profile")

	got, err := f.svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.True(t, got.TokenCharged)
	assert.False(t, got.ReviewRequired)

	entries, err := f.store.Ledger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "retries never charge twice")
	assert.Equal(t, []int64{job.ID}, f.billed.charged())

	assert.Equal(t, []jobs.Status{
		jobs.StatusQueued,
		jobs.StatusProcessing, jobs.StatusFailed, jobs.StatusQueued,
		jobs.StatusProcessing, jobs.StatusFailed, jobs.StatusQueued,
		jobs.StatusProcessing, jobs.StatusDone,
	}, f.events.statuses())
}

func TestPoolExhaustsRetries(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	job := submitOne(t, f)

	fail := omr.Errorf(omr.CodeAlignmentFailed, "no markers")
	_, err := f.pool(&scripted{errs: []error{fail, fail, fail}}).Drain(ctx)
	require.NoError(t, err)

	got, err := f.svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.ReviewRequired)

	_, err = f.svc.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrAttemptsExhausted)
}

func TestPoolReviewFailuresAreNotRetried(t *testing.T) {
	for _, code := range []omr.Code{omr.CodeLowConfidence, omr.CodeUnknownSet} {
		t.Run(string(code), func(t *testing.T) {
			f := newFixture(t, 3)
			ctx := context.Background()
			job := submitOne(t, f)

			scanner := &scripted{errs: []error{omr.Errorf(code, "needs a human")}}
			n, err := f.pool(scanner).Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := f.svc.Job(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusFailed, got.Status)
			assert.Equal(t, string(code), *got.ErrorCode)
			assert.True(t, got.ReviewRequired)

			// A manual retry is allowed while attempts remain, and is free.
			_, err = f.svc.Retry(ctx, job.ID)
			require.NoError(t, err)
			_, err = f.pool(scanner).Drain(ctx)
			require.NoError(t, err)
			got, err = f.svc.Job(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusDone, got.Status)
			bal, err := f.store.Balance(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(-1), bal)
		})
	}
}

func TestPoolUnreadableImageCannotBeRetried(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	batch, err := f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "never-uploaded.png"}})
	require.NoError(t, err)
	id := batch.Jobs[0].ID

	_, err = f.pool(&scripted{}).Drain(ctx)
	require.NoError(t, err)
	got, err := f.svc.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, string(omr.CodeInvalidImage), *got.ErrorCode)
	assert.True(t, got.CanRetry(), "attempts remain")

	_, err = f.svc.Retry(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrNotRetryable)
	got, err = f.svc.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestPoolShutdownMidScanRequeues(t *testing.T) {
	tests := []struct {
		name string
		err  func(ctx context.Context) error
	}{
		{"stage boundary", func(ctx context.Context) error {
			return omr.Wrap(omr.CodeCanceled, ctx.Err(), "canceled before align")
		}},
		{"stage error", func(context.Context) error {
			return omr.Errorf(omr.CodeInternal, "source read interrupted")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			job := submitOne(t, f)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stopping := &scripted{onScan: func(pipeline.Request) error {
				cancel()
				return tt.err(ctx)
			}}
			ran, err := f.pool(stopping).RunOnce(ctx, "worker-1")
			require.NoError(t, err)
			assert.True(t, ran)

			bg := context.Background()
			got, err := f.svc.Job(bg, job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusQueued, got.Status)
			assert.Equal(t, 0, got.Attempts, "an interrupted attempt does not count")
			assert.True(t, got.TokenCharged)
			assert.Nil(t, got.WorkerID)
			assert.Nil(t, got.ErrorCode)
			assert.False(t, got.ReviewRequired)

			// The next process picks it up without charging again.
			n, err := f.pool(&scripted{}).Drain(bg)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			got, err = f.svc.Job(bg, job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusDone, got.Status)
			assert.Equal(t, 1, got.Attempts)

			entries, err := f.store.Ledger(bg)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
			assert.Equal(t, []int64{job.ID}, f.billed.charged())
			assert.Equal(t, []jobs.Status{
				jobs.StatusQueued,
				jobs.StatusProcessing, jobs.StatusQueued,
				jobs.StatusProcessing, jobs.StatusDone,
			}, f.events.statuses())
		})
	}
}

func TestPoolRecoversStaleClaims(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	job := submitOne(t, f)

	// A worker of a process that was killed mid-scan.
	claimed, charged, err := f.store.Claim(ctx, "killed-worker")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	assert.True(t, charged)

	cfg := jobs.PoolConfig{
		Repo: f.store, Source: jobs.DirSource{Root: f.dir}, Scanner: &scripted{},
		Templates: f.templates, Notifier: f.events, Logger: quiet, StaleAfter: time.Hour,
	}
	n, err := jobs.NewPool(cfg).Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a recent claim may still be running")

	time.Sleep(5 * time.Millisecond)
	cfg.StaleAfter = time.Millisecond
	n, err = jobs.NewPool(cfg).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	entries, err := f.store.Ledger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPoolCancellation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	job := submitOne(t, f)

	scanner := &scripted{onScan: func(req pipeline.Request) error {
		if _, err := f.svc.Cancel(ctx, job.ID); err != nil {
			return err
		}
		if err := req.Checkpoint(pipeline.StageAlign); err != nil {
			return omr.Wrap(omr.CodeCanceled, err, "canceled before align")
		}
		return nil
	}}
	_, err := f.pool(scanner).Drain(ctx)
	require.NoError(t, err)

	got, err := f.svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, got.Status)
	assert.Nil(t, got.SheetID)

	_, err = f.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestPoolRun(t *testing.T) {
	f := newFixture(t, 3)
	job := submitOne(t, f)

	p := jobs.NewPool(jobs.PoolConfig{
		Repo: f.store, Source: jobs.DirSource{Root: f.dir}, Scanner: &scripted{},
		Templates: f.templates, Logger: quiet, Workers: 2, PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		got, err := f.svc.Job(context.Background(), job.ID)
		return err == nil && got.Status == jobs.StatusDone
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-stopped
}

func TestServiceSubmitValidation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.exam.ID, nil)
	assert.Error(t, err)
	_, err = f.svc.Submit(ctx, 999, []jobs.NewJob{{SourceKey: "a.png"}})
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: " "}})
	assert.ErrorContains(t, err, "source_file_key cannot be blank")
	_, err = f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "a.png", RotationHint: 45}})
	assert.ErrorContains(t, err, "rotation_hint")
	_, err = f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "a.png", SetLabelOverride: "x"}})
	assert.ErrorContains(t, err, "set_label_override must be one of A, B, C, D")
	_, err = f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "a.png", SetLabelOverride: "c"}})
	assert.ErrorContains(t, err, `no key for set "C"`)

	batch, err := f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "a.png", SetLabelOverride: "a"}})
	require.NoError(t, err)
	assert.Equal(t, "A", *batch.Jobs[0].SetLabelOverride)
}

func TestServiceRegisterExam(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.RegisterExam(ctx, &scoring.Exam{Title: "x", TemplateVersion: "q99-nope", Keys: f.exam.Keys})
	assert.ErrorIs(t, err, layout.ErrUnknownTemplate)

	_, err = f.svc.RegisterExam(ctx, &scoring.Exam{Title: "x", TemplateVersion: f.tpl.Version,
		Keys: map[string]scoring.AnswerKey{"A": {1: omr.OptionA}}, Scheme: scoring.DefaultScheme})
	assert.ErrorIs(t, err, scoring.ErrIncompleteKey)

	f.exam.Title = "Changed"
	_, err = f.svc.RegisterExam(ctx, f.exam)
	assert.ErrorIs(t, err, store.ErrExamFinalized)
}

func TestServiceCorrect(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.writeSheet(t, "sheet.png", 1, synth.Options{})
	batch, err := f.svc.Submit(ctx, f.exam.ID, []jobs.NewJob{{SourceKey: "sheet.png"}})
	require.NoError(t, err)
	_, err = f.pool(pipeline.New(pipeline.Options{}, nil, quiet)).Drain(ctx)
	require.NoError(t, err)

	job, err := f.svc.Job(ctx, batch.Jobs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job.SheetID)

	right := f.exam.Keys["A"][1]
	res, err := f.svc.Correct(ctx, *job.SheetID, map[int]*omr.Option{1: &right, 2: nil})
	require.NoError(t, err)
	assert.True(t, res.ManuallyCorrected)
	assert.Equal(t, 19, res.Summary.Correct)
	assert.Equal(t, 1, res.Summary.Unanswered)
	assert.Equal(t, 20, res.Summary.Total())

	stored, err := f.svc.Result(ctx, *job.SheetID)
	require.NoError(t, err)
	assert.Equal(t, res, stored)

	bad := omr.Option("E")
	_, err = f.svc.Correct(ctx, *job.SheetID, map[int]*omr.Option{1: &bad})
	assert.Error(t, err)
}
