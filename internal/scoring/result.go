package scoring

import (
	"math"

	"github.com/optimark/omr-engine/internal/omr"
)

// Summary aggregates a sheet's question statuses and scores.
type Summary struct {
	Correct    int     `json:"correct"`
	Wrong      int     `json:"wrong"`
	Unanswered int     `json:"unanswered"`
	Invalid    int     `json:"invalid"`
	RawScore   float64 `json:"raw_score"`
	FinalScore float64 `json:"final_score"`
	Percentage float64 `json:"percentage"`
}

// Total is the number of questions counted.
func (s Summary) Total() int {
	return s.Correct + s.Wrong + s.Unanswered + s.Invalid
}

// QuestionResult is the outcome of one question.
type QuestionResult struct {
	QuestionNo     int                `json:"question_no"`
	SelectedOption *omr.Option        `json:"selected_option"`
	CorrectOption  *omr.Option        `json:"correct_option"`
	Status         omr.QuestionStatus `json:"status"`
	MarkAwarded    float64            `json:"mark_awarded"`
}

// SheetResultDetail is the stored outcome of one scored sheet.
type SheetResultDetail struct {
	SheetID             int64            `json:"sheet_id"`
	ExamID              int64            `json:"exam_id"`
	JobID               int64            `json:"job_id,omitempty"`
	TemplateVersion     string           `json:"template_version"`
	StudentIdentifier   *string          `json:"student_identifier"`
	SetLabel            *string          `json:"set_label"`
	SubjectCode         *string          `json:"subject_code,omitempty"`
	AlignmentConfidence float64          `json:"alignment_confidence"`
	ManuallyCorrected   bool             `json:"manually_corrected"`
	Summary             Summary          `json:"summary"`
	Questions           []QuestionResult `json:"questions"`
}

// Recompute rebuilds the summary from the per-question results.
func (r *SheetResultDetail) Recompute(scheme MarkingScheme) {
	var s Summary
	raw := 0.0
	for _, q := range r.Questions {
		switch q.Status {
		case omr.StatusCorrect:
			s.Correct++
		case omr.StatusWrong:
			s.Wrong++
		case omr.StatusInvalid:
			s.Invalid++
		default:
			s.Unanswered++
		}
		raw += q.MarkAwarded
	}
	s.RawScore = roundTo(raw, scheme.Precision)
	final := raw
	if scheme.FloorAtZero && final < 0 {
		final = 0
	}
	s.FinalScore = roundTo(final, scheme.Precision)
	if maxScore := float64(len(r.Questions)) * scheme.Correct; maxScore > 0 {
		pct := final / maxScore * 100
		s.Percentage = roundTo(math.Max(0, math.Min(100, pct)), scheme.Precision)
	}
	r.Summary = s
}

// Question returns the result of question q (1-based).
func (r *SheetResultDetail) Question(q int) (*QuestionResult, bool) {
	if q < 1 || q > len(r.Questions) {
		return nil, false
	}
	return &r.Questions[q-1], true
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	r := math.Round(v*p) / p
	if r == 0 {
		// No negative zero in stored results.
		return 0
	}
	return r
}

func strPtr(s string) *string {
	return &s
}
