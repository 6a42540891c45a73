package bubble

import (
	"math"

	"github.com/optimark/omr-engine/internal/layout"
)

// Class is the per-bubble classification.
type Class string

const (
	Filled    Class = "filled"
	Empty     Class = "empty"
	Ambiguous Class = "ambiguous"
)

// Cell is one sampled bubble.
type Cell struct {
	Kind  layout.GroupKind `json:"group"`
	Index int              `json:"index"`
	Label string           `json:"label"`
	Rect  layout.Rect      `json:"rect"`
	Class Class            `json:"class"`
	Fill  float64          `json:"fill"`
	Paper float64          `json:"paper"`
}

// Classify maps a fill ratio to a class.
func (o Options) Classify(fill float64) Class {
	o = o.withDefaults()
	switch {
	case fill >= o.FilledMin:
		return Filled
	case fill < o.EmptyMax:
		return Empty
	}
	return Ambiguous
}

// Decision is the outcome for a group of mutually exclusive bubbles.
type Decision string

const (
	Selected   Decision = "selected"
	Unanswered Decision = "unanswered"
	Invalid    Decision = "invalid"
)

// GroupResult is the reading of one bubble group.
type GroupResult struct {
	Kind     layout.GroupKind `json:"group"`
	Index    int              `json:"index"`
	Decision Decision         `json:"decision"`
	// Choice is the selected bubble's label; empty unless Decision is
	// Selected.
	Choice string `json:"choice,omitempty"`
	Cells  []Cell `json:"cells"`
}

// Decide applies the group policy to cell fills: exactly one bubble at or
// above FilledMin that leads every other by SeparationMargin is selected;
// no bubble at FilledMin leaves the group unanswered; anything else is
// invalid. It returns the decision and the selected index, or -1.
func (o Options) Decide(fills []float64) (Decision, int) {
	o = o.withDefaults()
	best, second := -1, -1
	for i, f := range fills {
		switch {
		case best < 0 || f > fills[best]:
			best, second = i, best
		case second < 0 || f > fills[second]:
			second = i
		}
	}
	if best < 0 || fills[best] < o.FilledMin {
		return Unanswered, -1
	}
	if second >= 0 && fills[second] >= o.FilledMin {
		return Invalid, -1
	}
	if second >= 0 && fills[best]-fills[second] < o.SeparationMargin {
		return Invalid, -1
	}
	return Selected, best
}

// ReadGroup samples and decides one group.
func (s *Sampler) ReadGroup(g layout.Group) GroupResult {
	res := GroupResult{Kind: g.Kind, Index: g.Index, Cells: make([]Cell, len(g.Bubbles))}
	fills := make([]float64, len(g.Bubbles))
	for i, b := range g.Bubbles {
		fill, paper := s.Measure(b.Rect)
		fills[i] = fill
		res.Cells[i] = Cell{
			Kind:  g.Kind,
			Index: g.Index,
			Label: b.Label,
			Rect:  b.Rect,
			Class: s.opts.Classify(fill),
			Fill:  round3(fill),
			Paper: round3(paper),
		}
	}
	var idx int
	res.Decision, idx = s.opts.Decide(fills)
	if idx >= 0 {
		res.Choice = g.Bubbles[idx].Label
	}
	return res
}

// Reading holds every group of a sheet.
type Reading struct {
	// Answers is indexed by question number minus one.
	Answers []GroupResult `json:"answers"`
	SetCode *GroupResult  `json:"set_code,omitempty"`
	Roll    []GroupResult `json:"roll,omitempty"`
	Subject []GroupResult `json:"subject,omitempty"`
}

// Read samples every group of tpl.
func (s *Sampler) Read(tpl *layout.Template) *Reading {
	r := &Reading{Answers: make([]GroupResult, len(tpl.Questions))}
	for i, g := range tpl.Questions {
		r.Answers[i] = s.ReadGroup(g)
	}
	if tpl.SetCode != nil {
		sc := s.ReadGroup(*tpl.SetCode)
		r.SetCode = &sc
	}
	for _, g := range tpl.Roll {
		r.Roll = append(r.Roll, s.ReadGroup(g))
	}
	for _, g := range tpl.Subject {
		r.Subject = append(r.Subject, s.ReadGroup(g))
	}
	return r
}

// Answer returns the reading of question q (1-based).
func (r *Reading) Answer(q int) (GroupResult, bool) {
	if q < 1 || q > len(r.Answers) {
		return GroupResult{}, false
	}
	return r.Answers[q-1], true
}

// Cells returns every sampled cell in reading order.
func (r *Reading) Cells() []Cell {
	var out []Cell
	for _, g := range r.Answers {
		out = append(out, g.Cells...)
	}
	if r.SetCode != nil {
		out = append(out, r.SetCode.Cells...)
	}
	for _, g := range r.Roll {
		out = append(out, g.Cells...)
	}
	for _, g := range r.Subject {
		out = append(out, g.Cells...)
	}
	return out
}

// Digits decodes a run of digit columns. The marked columns must form one
// contiguous run; blank columns may precede or follow it. Any invalid
// column, or a gap inside the run, makes the value undecodable. ok is false
// when nothing usable was marked.
func Digits(cols []GroupResult) (value string, ok bool) {
	ended := false
	for _, c := range cols {
		switch c.Decision {
		case Selected:
			if ended {
				return "", false
			}
			value += c.Choice
		case Unanswered:
			ended = value != ""
		default:
			return "", false
		}
	}
	return value, value != ""
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
