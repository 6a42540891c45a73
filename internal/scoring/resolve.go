package scoring

import (
	"fmt"
	"strings"

	"github.com/optimark/omr-engine/internal/bubble"
	"github.com/optimark/omr-engine/internal/omr"
)

// Answer is what the classifier decided for one question.
type Answer struct {
	// Selected is the marked option; empty when none was selected.
	Selected omr.Option
	// Invalid marks multiple or unseparated marks.
	Invalid bool
}

// AnswersFromReading converts the answer groups of a reading.
func AnswersFromReading(r *bubble.Reading) []Answer {
	out := make([]Answer, len(r.Answers))
	for i, g := range r.Answers {
		switch g.Decision {
		case bubble.Selected:
			out[i].Selected = omr.Option(g.Choice)
		case bubble.Invalid:
			out[i].Invalid = true
		}
	}
	return out
}

// ResolveSet picks the answer key for a sheet. An override wins over the
// set-code bubbles. Single-key exams ignore set codes entirely. A blank or
// multiply marked set code, or a label without a key, fails with
// omr.CodeUnknownSet: scoring against the wrong key is worse than not
// scoring.
func ResolveSet(exam *Exam, override string, setCode *bubble.GroupResult) (string, AnswerKey, error) {
	if exam.SingleKey() {
		if override != "" {
			return "", nil, omr.Errorf(omr.CodeUnknownSet, "exam %d has a single key; set %q does not exist", exam.ID, override)
		}
		return SingleSet, exam.Keys[SingleSet], nil
	}

	label := strings.ToUpper(strings.TrimSpace(override))
	if label == "" {
		switch {
		case setCode == nil:
			return "", nil, omr.Errorf(omr.CodeUnknownSet, "sheet has no set-code bubbles")
		case setCode.Decision == bubble.Unanswered:
			return "", nil, omr.Errorf(omr.CodeUnknownSet, "set code left blank")
		case setCode.Decision == bubble.Invalid:
			return "", nil, omr.Errorf(omr.CodeUnknownSet, "set code marked ambiguously")
		}
		label = setCode.Choice
	}
	key, ok := exam.Keys[label]
	if !ok {
		return "", nil, omr.Errorf(omr.CodeUnknownSet, "no answer key for set %q", label)
	}
	return label, key, nil
}

// Resolve scores answers against key. answers is indexed by question number
// minus one and must cover every question of the key.
func Resolve(key AnswerKey, scheme MarkingScheme, answers []Answer) ([]QuestionResult, error) {
	if len(answers) != len(key) {
		return nil, fmt.Errorf("%d answers for a %d-question key", len(answers), len(key))
	}
	out := make([]QuestionResult, len(answers))
	for i, a := range answers {
		q := i + 1
		correct, ok := key[q]
		if !ok {
			return nil, fmt.Errorf("answer key has no question %d", q)
		}
		res := QuestionResult{QuestionNo: q, CorrectOption: correct.Ptr()}
		switch {
		case a.Invalid:
			res.Status = omr.StatusInvalid
		case a.Selected == "":
			res.Status = omr.StatusUnanswered
		case a.Selected == correct:
			res.Status = omr.StatusCorrect
			res.SelectedOption = a.Selected.Ptr()
		default:
			res.Status = omr.StatusWrong
			res.SelectedOption = a.Selected.Ptr()
		}
		res.MarkAwarded = scheme.Mark(res.Status)
		out[i] = res
	}
	return out, nil
}

// Sheet is everything decoded from one capture that scoring needs.
type Sheet struct {
	Reading *bubble.Reading
	// SetOverride replaces the set-code bubbles when non-empty.
	SetOverride string
	// StudentIdentifier and SubjectCode are empty when undecodable.
	StudentIdentifier string
	SubjectCode       string
	Confidence        float64
}

// Score resolves the set and every question of sheet.
func Score(exam *Exam, sheet Sheet) (*SheetResultDetail, error) {
	label, key, err := ResolveSet(exam, sheet.SetOverride, sheet.Reading.SetCode)
	if err != nil {
		return nil, err
	}
	questions, err := Resolve(key, exam.Scheme, AnswersFromReading(sheet.Reading))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve answers: %w", err)
	}

	res := &SheetResultDetail{
		ExamID:              exam.ID,
		TemplateVersion:     exam.TemplateVersion,
		AlignmentConfidence: sheet.Confidence,
		Questions:           questions,
	}
	if label != SingleSet {
		res.SetLabel = strPtr(label)
	}
	if sheet.StudentIdentifier != "" {
		res.StudentIdentifier = strPtr(sheet.StudentIdentifier)
	}
	if sheet.SubjectCode != "" {
		res.SubjectCode = strPtr(sheet.SubjectCode)
	}
	res.Recompute(exam.Scheme)
	return res, nil
}

// ApplyCorrections overwrites the selected option of the given questions, a
// nil option clearing the selection, and recomputes status, marks and the
// summary. The result's set label picks the key.
func ApplyCorrections(res *SheetResultDetail, exam *Exam, corrections map[int]*omr.Option) error {
	label := SingleSet
	if res.SetLabel != nil {
		label = *res.SetLabel
	}
	key, ok := exam.Keys[label]
	if !ok {
		return fmt.Errorf("exam %d has no key for set %q", exam.ID, label)
	}
	for q, sel := range corrections {
		if sel != nil && sel.Index() < 0 {
			return fmt.Errorf("question %d: invalid option %q", q, *sel)
		}
		if _, ok := res.Question(q); !ok {
			return fmt.Errorf("question %d out of range 1..%d", q, len(res.Questions))
		}
	}

	for q, sel := range corrections {
		qr, _ := res.Question(q)
		correct := key[q]
		qr.CorrectOption = correct.Ptr()
		switch {
		case sel == nil:
			qr.SelectedOption = nil
			qr.Status = omr.StatusUnanswered
		case *sel == correct:
			qr.SelectedOption = sel.Ptr()
			qr.Status = omr.StatusCorrect
		default:
			qr.SelectedOption = sel.Ptr()
			qr.Status = omr.StatusWrong
		}
		qr.MarkAwarded = exam.Scheme.Mark(qr.Status)
	}
	if len(corrections) > 0 {
		res.ManuallyCorrected = true
	}
	res.Recompute(exam.Scheme)
	return nil
}
