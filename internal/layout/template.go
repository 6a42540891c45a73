package layout

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/optimark/omr-engine/internal/omr"
)

// Revision is bumped whenever Generate would produce different geometry for
// the same Spec. It is part of every template version string so printed
// sheets always resolve to the geometry they were printed with.
const Revision = 1

// Frame size in template units. The frame is the rectangle spanned by the
// outer edges of the four corner markers.
const (
	FrameWidth  = 750.0
	FrameHeight = 1060.0
)

const (
	// MaxRowsPerColumn bounds the answer grid height.
	MaxRowsPerColumn = 25
	// MaxColumns bounds the answer grid width.
	MaxColumns = 5
	// DefaultRowsPerColumn is used to derive the column count when a Spec
	// leaves it at zero.
	DefaultRowsPerColumn = 20

	RollDigits    = 6
	SubjectDigits = 3
)

// SupportedQuestionCounts lists the question counts a template may carry.
var SupportedQuestionCounts = []int{20, 30, 40, 50, 60, 80, 100}

var (
	ErrUnsupportedQuestionCount = errors.New("unsupported question count")
	ErrInvalidColumnCount       = errors.New("invalid column count")
	ErrUnknownHeaderStyle       = errors.New("unknown header style")
	ErrOverlap                  = errors.New("template cells overlap")
)

// HeaderStyle selects which header bubble fields a template prints.
type HeaderStyle string

const (
	// HeaderStandard prints set-code bubbles, roll-number and subject-code
	// digit columns, and a handwritten roll box.
	HeaderStandard HeaderStyle = "standard"
	// HeaderCompact prints set-code bubbles only.
	HeaderCompact HeaderStyle = "compact"
	// HeaderNone prints no header bubbles; exams use a single answer key.
	HeaderNone HeaderStyle = "none"
)

// Spec is the input to Generate.
type Spec struct {
	QuestionCount int         `json:"question_count"`
	ColumnCount   int         `json:"column_count"`
	Header        HeaderStyle `json:"header_style"`
}

// Normalize fills in defaults: a derived column count and the standard
// header.
func (s Spec) Normalize() Spec {
	if s.Header == "" {
		s.Header = HeaderStandard
	}
	if s.ColumnCount == 0 && s.QuestionCount > 0 {
		s.ColumnCount = min(MaxColumns, (s.QuestionCount+DefaultRowsPerColumn-1)/DefaultRowsPerColumn)
	}
	return s
}

// Version is the registry key of the template generated from s.
func (s Spec) Version() string {
	s = s.Normalize()
	return fmt.Sprintf("q%d-c%d-%s-r%d", s.QuestionCount, s.ColumnCount, s.Header, Revision)
}

var versionPattern = regexp.MustCompile(`^q([1-9][0-9]*)-c([1-9][0-9]*)-([a-z]+)-r([1-9][0-9]*)$`)

// ParseVersion recovers the spec a version string was built from. Versions
// of another revision are rejected, since Generate can no longer reproduce
// their geometry.
func ParseVersion(version string) (Spec, error) {
	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return Spec{}, fmt.Errorf("%w: malformed %q", ErrUnknownTemplate, version)
	}
	q, _ := strconv.Atoi(m[1])
	c, _ := strconv.Atoi(m[2])
	rev, _ := strconv.Atoi(m[4])
	if rev != Revision {
		return Spec{}, fmt.Errorf("%w: %q is revision %d, generator is at %d", ErrUnknownTemplate, version, rev, Revision)
	}
	return Spec{QuestionCount: q, ColumnCount: c, Header: HeaderStyle(m[3])}, nil
}

func (s Spec) validate() error {
	supported := false
	for _, q := range SupportedQuestionCounts {
		if q == s.QuestionCount {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: %d", ErrUnsupportedQuestionCount, s.QuestionCount)
	}
	switch s.Header {
	case HeaderStandard, HeaderCompact, HeaderNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHeaderStyle, s.Header)
	}
	if s.ColumnCount < 1 || s.ColumnCount > MaxColumns {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidColumnCount, s.ColumnCount, MaxColumns)
	}
	rows := rowsPerColumn(s.QuestionCount, s.ColumnCount)
	if rows > MaxRowsPerColumn {
		return fmt.Errorf("%w: %d questions need %d rows per column (max %d)",
			ErrInvalidColumnCount, s.QuestionCount, rows, MaxRowsPerColumn)
	}
	if (s.ColumnCount-1)*rows >= s.QuestionCount {
		return fmt.Errorf("%w: %d columns would leave the last column empty", ErrInvalidColumnCount, s.ColumnCount)
	}
	return nil
}

func rowsPerColumn(questions, columns int) int {
	return (questions + columns - 1) / columns
}

// GroupKind names what a bubble group encodes.
type GroupKind string

const (
	GroupAnswer  GroupKind = "answer"
	GroupSetCode GroupKind = "set_code"
	GroupRoll    GroupKind = "roll"
	GroupSubject GroupKind = "subject"
)

// Bubble is one printed bubble. Label is the value it encodes: an option
// letter for answers and set codes, a digit for digit columns.
type Bubble struct {
	Label string `json:"label"`
	Rect  Rect   `json:"rect"`
}

// Group is a set of mutually exclusive bubbles: the four options of one
// question, the set-code row, or one digit column.
type Group struct {
	Kind    GroupKind `json:"kind"`
	Index   int       `json:"index"`
	Bubbles []Bubble  `json:"bubbles"`
}

// Template is the complete, immutable geometry of one printed sheet layout.
type Template struct {
	Version       string      `json:"version"`
	Revision      int         `json:"revision"`
	QuestionCount int         `json:"question_count"`
	ColumnCount   int         `json:"column_count"`
	RowsPerColumn int         `json:"rows_per_column"`
	Header        HeaderStyle `json:"header_style"`
	Width         float64     `json:"width"`
	Height        float64     `json:"height"`
	Markers       [4]Marker   `json:"markers"`
	Questions     []Group     `json:"questions"`
	SetCode       *Group      `json:"set_code,omitempty"`
	Roll          []Group     `json:"roll,omitempty"`
	Subject       []Group     `json:"subject,omitempty"`
	// RollBox is the handwritten roll-number field beside the digit columns.
	RollBox *Rect `json:"roll_box,omitempty"`
}

// Spec returns the normalized spec this template was generated from.
func (t *Template) Spec() Spec {
	return Spec{QuestionCount: t.QuestionCount, ColumnCount: t.ColumnCount, Header: t.Header}
}

// Question returns the bubble group of question q (1-based).
func (t *Template) Question(q int) (Group, bool) {
	if q < 1 || q > len(t.Questions) {
		return Group{}, false
	}
	return t.Questions[q-1], true
}

// Marker returns the marker printed at corner c.
func (t *Template) Marker(c Corner) Marker {
	return t.Markers[c]
}

// Frame returns the rectangle spanned by the markers.
func (t *Template) Frame() Rect {
	return Rect{X0: 0, Y0: 0, X1: t.Width, Y1: t.Height}
}

// Groups returns every bubble group on the sheet: answers first, then the
// header groups.
func (t *Template) Groups() []Group {
	groups := make([]Group, 0, len(t.Questions)+1+len(t.Roll)+len(t.Subject))
	groups = append(groups, t.Questions...)
	if t.SetCode != nil {
		groups = append(groups, *t.SetCode)
	}
	groups = append(groups, t.Roll...)
	groups = append(groups, t.Subject...)
	return groups
}

// BubbleCount is the number of printed bubbles.
func (t *Template) BubbleCount() int {
	n := 0
	for _, g := range t.Groups() {
		n += len(g.Bubbles)
	}
	return n
}

// QuestionRow returns the rectangle enclosing question q's number label and
// bubbles.
func (t *Template) QuestionRow(q int) (Rect, bool) {
	g, ok := t.Question(q)
	if !ok {
		return Rect{}, false
	}
	r := g.Bubbles[0].Rect
	for _, b := range g.Bubbles[1:] {
		r = r.Union(b.Rect)
	}
	r.X0 -= questionLabelWidth
	return r.Inset(-3), true
}

// Answer grid geometry.
const (
	gridLeft           = 50.0
	gridRight          = 700.0
	rowPitch           = 24.0
	questionLabelWidth = 36.0
	maxAnswerBubble    = 16.0

	setCodeY       = 80.0
	setCodeX       = 520.0
	setCodePitch   = 32.0
	setCodeBubble  = 16.0
	digitTop       = 120.0
	digitRowPitch  = 18.0
	digitColPitch  = 24.0
	digitBubble    = 14.0
	rollX          = 80.0
	subjectX       = 260.0
	standardGridY  = 330.0
	compactGridY   = 120.0
	headerlessGrid = 60.0
)

// Generate builds the geometry for spec. It is a pure function: the same
// spec always yields identical geometry.
func Generate(spec Spec) (*Template, error) {
	spec = spec.Normalize()
	if err := spec.validate(); err != nil {
		return nil, err
	}

	t := &Template{
		Version:       spec.Version(),
		Revision:      Revision,
		QuestionCount: spec.QuestionCount,
		ColumnCount:   spec.ColumnCount,
		RowsPerColumn: rowsPerColumn(spec.QuestionCount, spec.ColumnCount),
		Header:        spec.Header,
		Width:         FrameWidth,
		Height:        FrameHeight,
	}

	t.Markers = [4]Marker{
		TopLeft:     {Corner: TopLeft, Box: RectAt(0, 0, MarkerSize, MarkerSize)},
		TopRight:    {Corner: TopRight, Box: RectAt(FrameWidth-MarkerSize, 0, MarkerSize, MarkerSize)},
		BottomRight: {Corner: BottomRight, Box: RectAt(FrameWidth-MarkerSize, FrameHeight-MarkerSize, MarkerSize, MarkerSize)},
		BottomLeft:  {Corner: BottomLeft, Box: RectAt(0, FrameHeight-MarkerSize, MarkerSize, MarkerSize)},
	}

	gridTop := headerlessGrid
	switch spec.Header {
	case HeaderStandard:
		t.SetCode = setCodeGroup()
		t.Roll = digitGroups(GroupRoll, rollX, RollDigits)
		t.Subject = digitGroups(GroupSubject, subjectX, SubjectDigits)
		box := RectAt(rollX-digitBubble, digitTop+10*digitRowPitch-4, RollDigits*digitColPitch+digitBubble/2, 26)
		t.RollBox = &box
		gridTop = standardGridY
	case HeaderCompact:
		t.SetCode = setCodeGroup()
		gridTop = compactGridY
	}

	colWidth := (gridRight - gridLeft) / float64(spec.ColumnCount)
	optPitch := (colWidth - questionLabelWidth - 8) / omr.OptionsPerQuestion
	diameter := math.Min(maxAnswerBubble, optPitch-6)

	t.Questions = make([]Group, 0, spec.QuestionCount)
	for q := 1; q <= spec.QuestionCount; q++ {
		col := (q - 1) / t.RowsPerColumn
		row := (q - 1) % t.RowsPerColumn
		colLeft := gridLeft + float64(col)*colWidth
		cy := gridTop + rowPitch/2 + float64(row)*rowPitch

		g := Group{Kind: GroupAnswer, Index: q, Bubbles: make([]Bubble, omr.OptionsPerQuestion)}
		for i := range omr.OptionsPerQuestion {
			cx := colLeft + questionLabelWidth + (float64(i)+0.5)*optPitch
			g.Bubbles[i] = Bubble{Label: string(omr.OptionAt(i)), Rect: Square(cx, cy, diameter)}
		}
		t.Questions = append(t.Questions, g)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func setCodeGroup() *Group {
	g := &Group{Kind: GroupSetCode, Index: 1, Bubbles: make([]Bubble, omr.OptionsPerQuestion)}
	for i := range omr.OptionsPerQuestion {
		cx := setCodeX + float64(i)*setCodePitch
		g.Bubbles[i] = Bubble{Label: string(omr.OptionAt(i)), Rect: Square(cx, setCodeY, setCodeBubble)}
	}
	return g
}

func digitGroups(kind GroupKind, left float64, columns int) []Group {
	groups := make([]Group, columns)
	for c := range columns {
		g := Group{Kind: kind, Index: c + 1, Bubbles: make([]Bubble, 10)}
		cx := left + float64(c)*digitColPitch
		for d := range 10 {
			cy := digitTop + float64(d)*digitRowPitch
			g.Bubbles[d] = Bubble{Label: strconv.Itoa(d), Rect: Square(cx, cy, digitBubble)}
		}
		groups[c] = g
	}
	return groups
}

// Validate checks the internal consistency of the geometry: question
// numbering, option counts, frame containment and the absence of
// overlapping cells.
func (t *Template) Validate() error {
	if len(t.Questions) != t.QuestionCount {
		return fmt.Errorf("template %s: %d question groups for %d questions", t.Version, len(t.Questions), t.QuestionCount)
	}
	for i, g := range t.Questions {
		if g.Index != i+1 {
			return fmt.Errorf("template %s: question group %d numbered %d", t.Version, i+1, g.Index)
		}
		if len(g.Bubbles) != omr.OptionsPerQuestion {
			return fmt.Errorf("template %s: question %d has %d options", t.Version, g.Index, len(g.Bubbles))
		}
	}

	type cell struct {
		name string
		rect Rect
	}
	cells := make([]cell, 0, t.BubbleCount()+4)
	for _, m := range t.Markers {
		cells = append(cells, cell{name: "marker " + m.Corner.String(), rect: m.Box})
	}
	for _, g := range t.Groups() {
		for _, b := range g.Bubbles {
			cells = append(cells, cell{name: fmt.Sprintf("%s %d/%s", g.Kind, g.Index, b.Label), rect: b.Rect})
		}
	}
	if t.RollBox != nil {
		cells = append(cells, cell{name: "roll box", rect: *t.RollBox})
	}

	frame := t.Frame()
	for _, c := range cells {
		if c.rect.X0 < frame.X0 || c.rect.Y0 < frame.Y0 || c.rect.X1 > frame.X1 || c.rect.Y1 > frame.Y1 {
			return fmt.Errorf("template %s: %s lies outside the frame", t.Version, c.name)
		}
	}

	// Cells are few hundred at most; the quadratic scan is fine.
	for i := range cells {
		for j := i + 1; j < len(cells); j++ {
			if cells[i].rect.Overlaps(cells[j].rect) {
				return fmt.Errorf("%w: template %s: %s and %s", ErrOverlap, t.Version, cells[i].name, cells[j].name)
			}
		}
	}
	return nil
}
