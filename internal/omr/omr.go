// Package omr holds the vocabulary shared by every stage of the recognition
// engine: answer options, per-question statuses, and the whole-sheet error
// taxonomy surfaced on failed scan jobs.
package omr

import "fmt"

// Option is one of the four answer choices printed beside every question.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
)

// Options lists the answer choices in print order (left to right).
var Options = []Option{OptionA, OptionB, OptionC, OptionD}

// OptionsPerQuestion is fixed for every supported template.
const OptionsPerQuestion = 4

// ParseOption accepts "A".."D" (case-insensitive).
func ParseOption(s string) (Option, error) {
	switch s {
	case "A", "a":
		return OptionA, nil
	case "B", "b":
		return OptionB, nil
	case "C", "c":
		return OptionC, nil
	case "D", "d":
		return OptionD, nil
	}
	return "", fmt.Errorf("invalid option %q: want one of A, B, C, D", s)
}

// OptionAt returns the option printed at column index i (0-based).
func OptionAt(i int) Option {
	return Options[i]
}

// Index returns the 0-based print position of the option, or -1.
func (o Option) Index() int {
	for i, opt := range Options {
		if opt == o {
			return i
		}
	}
	return -1
}

// Ptr returns a pointer to a copy of o, for nullable JSON fields.
func (o Option) Ptr() *Option {
	return &o
}

// QuestionStatus is the outcome of resolving one question against a key.
type QuestionStatus string

const (
	StatusCorrect    QuestionStatus = "correct"
	StatusWrong      QuestionStatus = "wrong"
	StatusUnanswered QuestionStatus = "unanswered"
	StatusInvalid    QuestionStatus = "invalid"
)
