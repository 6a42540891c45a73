package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/scoring"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testExam() *scoring.Exam {
	return &scoring.Exam{
		Title:           "Physics",
		TemplateVersion: "q20-c1-standard-r1",
		Keys: map[string]scoring.AnswerKey{
			"A": {1: omr.OptionA, 2: omr.OptionB},
			"B": {1: omr.OptionC, 2: omr.OptionD},
		},
		Scheme: scoring.MarkingScheme{Correct: 4, Wrong: -1, Precision: 2},
	}
}

func seed(t *testing.T, s *Store, n, maxAttempts int) (*scoring.Exam, *jobs.ScanBatch) {
	t.Helper()
	ctx := context.Background()
	exam, err := s.SaveExam(ctx, testExam())
	require.NoError(t, err)
	sheets := make([]jobs.NewJob, n)
	for i := range sheets {
		sheets[i] = jobs.NewJob{SourceKey: "sheet.png"}
	}
	sheets[0].SetLabelOverride = "B"
	sheets[0].RotationHint = 180
	batch, err := s.CreateBatch(ctx, exam.ID, sheets, maxAttempts)
	require.NoError(t, err)
	return exam, batch
}

func TestExams(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	saved, err := s.SaveExam(ctx, testExam())
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)

	got, err := s.GetExam(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	saved.Title = "Physics II"
	saved.Finalized = true
	_, err = s.SaveExam(ctx, saved)
	require.NoError(t, err)

	saved.Title = "Chemistry"
	_, err = s.SaveExam(ctx, saved)
	assert.ErrorIs(t, err, ErrExamFinalized)

	got, err = s.GetExam(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Physics II", got.Title)
	assert.True(t, got.Finalized)

	_, err = s.GetExam(ctx, 999)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCreateBatch(t *testing.T) {
	s := openStore(t)
	exam, batch := seed(t, s, 3, 3)

	assert.Equal(t, exam.ID, batch.ExamID)
	assert.Equal(t, jobs.BatchQueued, batch.Status)
	assert.Equal(t, 3, batch.TotalFiles)
	assert.Zero(t, batch.ProcessedFiles)
	require.Len(t, batch.Jobs, 3)

	first := batch.Jobs[0]
	assert.Equal(t, jobs.StatusQueued, first.Status)
	require.NotNil(t, first.SetLabelOverride)
	assert.Equal(t, "B", *first.SetLabelOverride)
	assert.Equal(t, 180, first.RotationHint)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.Nil(t, batch.Jobs[1].SetLabelOverride)
	assert.False(t, first.CreatedAt.IsZero())

	_, err := s.GetBatch(context.Background(), 42)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestClaimChargesOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 1, 3)
	id := batch.Jobs[0].ID

	job, charged, err := s.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, charged)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, jobs.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.TokenCharged)
	assert.Equal(t, "worker-1", *job.WorkerID)

	empty, _, err := s.Claim(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, empty)

	job, err = s.Fail(ctx, id, jobs.Failure{Code: "AlignmentFailed", Message: "2 markers"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, "AlignmentFailed", *job.ErrorCode)
	assert.True(t, job.CanRetry())

	_, err = s.Requeue(ctx, id)
	require.NoError(t, err)
	job, charged, err = s.Claim(ctx, "worker-2")
	require.NoError(t, err)
	assert.False(t, charged, "a retry must not charge again")
	assert.Equal(t, 2, job.Attempts)
	assert.Nil(t, job.ErrorCode)
}

func TestClaimDebitsWithTheCharge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 2, 3)

	job, _, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	entries, err := s.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Debit, entries[0].Direction)
	assert.Equal(t, "scan_job", entries[0].ReferenceType)
	assert.Equal(t, strconv.FormatInt(job.ID, 10), entries[0].ReferenceID)
	assert.Equal(t, int64(-1), entries[0].Delta)

	// Without a ledger the claim rolls back and the job stays uncharged.
	_, err = s.db.Exec(`DROP TABLE wallet_ledger`)
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w")
	require.Error(t, err)
	second, err := s.GetJob(ctx, batch.Jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, second.Status)
	assert.False(t, second.TokenCharged)
	assert.Zero(t, second.Attempts)
}

func TestRequeueRefusesUnreadableImage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 1, 3)
	id := batch.Jobs[0].ID

	_, _, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	_, err = s.Fail(ctx, id, jobs.Failure{Code: string(omr.CodeInvalidImage), Message: "not an image", Review: true})
	require.NoError(t, err)

	_, err = s.Requeue(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrNotRetryable)
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestReleaseStale(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 3, 3)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	stale, _, err := s.Claim(ctx, "killed")
	require.NoError(t, err)
	s.now = func() time.Time { return start.Add(time.Hour) }
	live, _, err := s.Claim(ctx, "running")
	require.NoError(t, err)

	released, err := s.ReleaseStale(ctx, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, released, 1)
	got := released[0]
	assert.Equal(t, stale.ID, got.ID)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.WorkerID)
	assert.True(t, got.TokenCharged)

	running, err := s.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, running.Status)

	// The released job is next in line and is not charged again.
	again, charged, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, stale.ID, again.ID)
	assert.False(t, charged)
	assert.Equal(t, 1, again.Attempts)
	entries, err := s.Ledger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = s.Release(ctx, batch.Jobs[2].ID)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestRequeueRespectsAttemptCap(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 1, 1)
	id := batch.Jobs[0].ID

	_, _, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	job, err := s.Fail(ctx, id, jobs.Failure{Code: "AlignmentFailed", Message: "x", Review: true})
	require.NoError(t, err)
	assert.True(t, job.ReviewRequired)
	assert.False(t, job.CanRetry())

	_, err = s.Requeue(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrAttemptsExhausted)

	job, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestTransitionsAreChecked(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 2, 3)
	a, b := batch.Jobs[0].ID, batch.Jobs[1].ID

	_, err := s.Complete(ctx, a, &scoring.SheetResultDetail{})
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
	_, err = s.Fail(ctx, a, jobs.Failure{Code: "Internal"})
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
	_, err = s.Requeue(ctx, a)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	job, err := s.Cancel(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, job.Status)
	_, err = s.Cancel(ctx, b)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	_, err = s.Cancel(ctx, 777)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCompleteStoresResult(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	exam, batch := seed(t, s, 2, 3)

	job, _, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	label := "B"
	res := &scoring.SheetResultDetail{
		ExamID:   exam.ID,
		JobID:    job.ID,
		SetLabel: &label,
		Questions: []scoring.QuestionResult{
			{QuestionNo: 1, SelectedOption: omr.OptionC.Ptr(), CorrectOption: omr.OptionC.Ptr(), Status: omr.StatusCorrect, MarkAwarded: 4},
			{QuestionNo: 2, CorrectOption: omr.OptionD.Ptr(), Status: omr.StatusUnanswered},
		},
	}
	res.Recompute(exam.Scheme)

	done, err := s.Complete(ctx, job.ID, res)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, done.Status)
	require.NotNil(t, done.SheetID)
	assert.Equal(t, res.SheetID, *done.SheetID)

	got, err := s.GetResult(ctx, *done.SheetID)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	got.ManuallyCorrected = true
	require.NoError(t, s.UpdateResult(ctx, got))
	again, err := s.GetResult(ctx, *done.SheetID)
	require.NoError(t, err)
	assert.True(t, again.ManuallyCorrected)

	_, err = s.GetResult(ctx, 999)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.ErrorIs(t, s.UpdateResult(ctx, &scoring.SheetResultDetail{SheetID: 999}), jobs.ErrNotFound)

	b, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.BatchProcessing, b.Status)
	assert.Equal(t, 1, b.ProcessedFiles)
}

func TestConcurrentClaims(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s, 20, 3)

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := s.Claim(ctx, "w")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, job.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 20)
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	for i := 1; i < len(claimed); i++ {
		assert.NotEqual(t, claimed[i-1], claimed[i], "job claimed twice")
	}
}

func TestLedger(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, batch := seed(t, s, 2, 3)

	require.NoError(t, s.Credit(ctx, "order-1", 10))
	require.NoError(t, s.Credit(ctx, "order-1", 10))
	assert.Error(t, s.Credit(ctx, "order-2", 0))

	for range batch.Jobs {
		_, charged, err := s.Claim(ctx, "w")
		require.NoError(t, err)
		require.True(t, charged)
	}

	bal, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal)

	entries, err := s.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Debit, entries[1].Direction)
	assert.Equal(t, "scan_job", entries[1].ReferenceType)
	assert.Equal(t, int64(10), entries[1].BeforeBalance)
	assert.Equal(t, int64(9), entries[1].AfterBalance)
}
