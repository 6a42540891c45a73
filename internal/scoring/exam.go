// Package scoring turns bubble readings into scored sheet results: it picks
// the answer key for the sheet's set, resolves each question against it,
// applies the exam's marking scheme and supports manual correction.
package scoring

import (
	"errors"
	"fmt"
	"sort"

	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
)

var (
	ErrIncompleteKey = errors.New("answer key does not cover every question")
	ErrInvalidSets   = errors.New("invalid set labels")
)

// AnswerKey maps question number to the correct option.
type AnswerKey map[int]omr.Option

// Check verifies that k covers exactly questions 1..questionCount with
// valid options.
func (k AnswerKey) Check(questionCount int) error {
	var missing, extra []int
	for q := 1; q <= questionCount; q++ {
		o, ok := k[q]
		if !ok {
			missing = append(missing, q)
			continue
		}
		if o.Index() < 0 {
			return fmt.Errorf("question %d: invalid option %q", q, o)
		}
	}
	for q := range k {
		if q < 1 || q > questionCount {
			extra = append(extra, q)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Ints(extra)
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrIncompleteKey, missing, extra)
	}
	return nil
}

// MarkingScheme assigns marks per question status.
type MarkingScheme struct {
	Correct    float64 `json:"correct" validate:"gt=0"`
	Wrong      float64 `json:"wrong" validate:"lte=0"`
	Unanswered float64 `json:"unanswered" validate:"lte=0"`
	Invalid    float64 `json:"invalid" validate:"lte=0"`
	// FloorAtZero clamps a negative raw score to zero.
	FloorAtZero bool `json:"floor_at_zero"`
	// Precision is the number of decimals scores and percentages keep.
	Precision int `json:"precision" validate:"gte=0,lte=6"`
}

// DefaultScheme awards one mark per correct answer and never subtracts.
var DefaultScheme = MarkingScheme{Correct: 1, FloorAtZero: true, Precision: 2}

// Mark returns the marks awarded for a status.
func (s MarkingScheme) Mark(status omr.QuestionStatus) float64 {
	switch status {
	case omr.StatusCorrect:
		return s.Correct
	case omr.StatusWrong:
		return s.Wrong
	case omr.StatusInvalid:
		return s.Invalid
	}
	return s.Unanswered
}

// SingleSet is the key label of exams that do not use set codes.
const SingleSet = ""

// Exam is the scoring configuration of one exam. Once Finalized the keys,
// scheme and template version never change, so concurrent scans share it
// without locking.
type Exam struct {
	ID              int64                `json:"id"`
	Title           string               `json:"title" validate:"notblank"`
	TemplateVersion string               `json:"template_version" validate:"required"`
	Keys            map[string]AnswerKey `json:"keys" validate:"required,min=1"`
	Scheme          MarkingScheme        `json:"scheme"`
	Finalized       bool                 `json:"finalized"`
}

// Validate checks e against its template: every key must cover the
// template's questions, and keys are either one SingleSet key or labelled
// with set-code options the template prints.
func (e *Exam) Validate(tpl *layout.Template) error {
	if err := omr.Validate.Struct(e); err != nil {
		return fmt.Errorf("invalid exam: %s", omr.ValidationMessage(err))
	}
	if e.TemplateVersion != tpl.Version {
		return fmt.Errorf("exam uses template %s, got %s", e.TemplateVersion, tpl.Version)
	}

	if _, single := e.Keys[SingleSet]; single {
		if len(e.Keys) != 1 {
			return fmt.Errorf("%w: a single-set key cannot be combined with labelled keys", ErrInvalidSets)
		}
	} else {
		if tpl.SetCode == nil {
			return fmt.Errorf("%w: template %s prints no set code; use a single key", ErrInvalidSets, tpl.Version)
		}
		for label := range e.Keys {
			if omr.Option(label).Index() < 0 {
				return fmt.Errorf("%w: %q is not a set-code label", ErrInvalidSets, label)
			}
		}
	}

	for _, label := range e.SetLabels() {
		if err := e.Keys[label].Check(tpl.QuestionCount); err != nil {
			return fmt.Errorf("set %q: %w", label, err)
		}
	}
	return nil
}

// SetLabels returns the key labels in order.
func (e *Exam) SetLabels() []string {
	labels := make([]string, 0, len(e.Keys))
	for l := range e.Keys {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// SingleKey reports whether the exam ignores set codes.
func (e *Exam) SingleKey() bool {
	_, ok := e.Keys[SingleSet]
	return ok && len(e.Keys) == 1
}
