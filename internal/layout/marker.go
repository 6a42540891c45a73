package layout

import (
	"fmt"
	"math"
)

// Corner names one of the four sheet corners.
type Corner int

const (
	TopLeft Corner = iota
	TopRight
	BottomRight
	BottomLeft
)

// Corners lists the sheet corners in clockwise order from the top-left.
var Corners = [4]Corner{TopLeft, TopRight, BottomRight, BottomLeft}

func (c Corner) String() string {
	switch c {
	case TopLeft:
		return "top-left"
	case TopRight:
		return "top-right"
	case BottomRight:
		return "bottom-right"
	case BottomLeft:
		return "bottom-left"
	}
	return fmt.Sprintf("corner(%d)", int(c))
}

// Opposite is the corner a marker lands on when the sheet is turned 180°.
func (c Corner) Opposite() Corner {
	return (c + 2) % 4
}

func (c Corner) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// MarkerSize is the side of every corner marker in template units.
const MarkerSize = 40.0

// PrimitiveKind distinguishes rectangles from circles in marker artwork.
type PrimitiveKind int

const (
	PrimRect PrimitiveKind = iota
	PrimCircle
)

// Primitive is one painted shape of a marker, in marker-local units
// (0..MarkerSize on both axes). Later primitives paint over earlier ones.
type Primitive struct {
	Kind PrimitiveKind
	// Rect primitives use X, Y, W, H; circles use X, Y as the centre and R.
	X, Y, W, H, R float64
	Ink           bool
}

func (p Primitive) covers(u, v float64) bool {
	switch p.Kind {
	case PrimCircle:
		dx, dy := u-p.X, v-p.Y
		return dx*dx+dy*dy <= p.R*p.R
	default:
		return u >= p.X && u < p.X+p.W && v >= p.Y && v < p.Y+p.H
	}
}

// MarkerPattern is the artwork of one corner marker.
type MarkerPattern struct {
	Corner     Corner
	Primitives []Primitive
	// BoxCorners marks which corners of the marker box (indexed like
	// Rect.Corners) belong to the marker's largest ink component. Only those
	// are usable as alignment reference points.
	BoxCorners [4]bool
}

// InkAt reports whether marker-local position (u, v) is inked.
func (m *MarkerPattern) InkAt(u, v float64) bool {
	ink := false
	for _, p := range m.Primitives {
		if p.covers(u, v) {
			ink = p.Ink
		}
	}
	return ink
}

// InkAtRotated evaluates the pattern as it appears after a 180° turn.
func (m *MarkerPattern) InkAtRotated(u, v float64) bool {
	return m.InkAt(MarkerSize-u, MarkerSize-v)
}

func rect(x, y, w, h float64, ink bool) Primitive {
	return Primitive{Kind: PrimRect, X: x, Y: y, W: w, H: h, Ink: ink}
}

func circle(cx, cy, r float64) Primitive {
	return Primitive{Kind: PrimCircle, X: cx, Y: cy, R: r, Ink: true}
}

// The four patterns are pairwise distinct and the top-right/bottom-left pair
// swap under a 180° turn, while the top-left and bottom-right patterns differ
// in nesting depth, so the orientation of a captured sheet is unambiguous.
var markerPatterns = [4]MarkerPattern{
	TopLeft: {
		Corner: TopLeft,
		Primitives: []Primitive{
			rect(0, 0, 40, 40, true),
			rect(8, 8, 24, 24, false),
			rect(14, 14, 12, 12, true),
		},
		BoxCorners: [4]bool{true, true, true, true},
	},
	TopRight: {
		Corner: TopRight,
		Primitives: []Primitive{
			rect(0, 0, 40, 15, true),
			rect(25, 0, 15, 40, true),
			rect(0, 25, 15, 15, true),
			circle(20, 20, 6),
		},
		BoxCorners: [4]bool{true, true, true, false},
	},
	BottomRight: {
		Corner: BottomRight,
		Primitives: []Primitive{
			rect(0, 0, 40, 40, true),
			rect(4, 4, 32, 32, false),
			rect(10, 10, 20, 20, true),
			rect(15, 15, 10, 10, false),
		},
		BoxCorners: [4]bool{true, true, true, true},
	},
	BottomLeft: {
		Corner: BottomLeft,
		Primitives: []Primitive{
			rect(0, 0, 15, 40, true),
			rect(0, 25, 40, 15, true),
			rect(25, 0, 15, 15, true),
			circle(20, 20, 6),
		},
		BoxCorners: [4]bool{true, false, true, true},
	},
}

// Pattern returns the marker artwork for a corner.
func Pattern(c Corner) *MarkerPattern {
	return &markerPatterns[c]
}

// Marker places a corner pattern on the sheet.
type Marker struct {
	Corner Corner `json:"corner"`
	Box    Rect   `json:"box"`
}

// Center of the marker box.
func (m Marker) Center() Point {
	return m.Box.Center()
}

// Pattern returns the artwork printed in this marker's box.
func (m Marker) Pattern() *MarkerPattern {
	return Pattern(m.Corner)
}

// ReferencePoints returns the template positions usable for alignment: the
// box centre followed by the pattern's usable box corners.
func (m Marker) ReferencePoints() []Point {
	pts := []Point{m.Center()}
	corners := m.Box.Corners()
	for i, ok := range m.Pattern().BoxCorners {
		if ok {
			pts = append(pts, corners[i])
		}
	}
	return pts
}

// InkFraction is the share of the marker box covered by ink, estimated on a
// fine grid.
func (m *MarkerPattern) InkFraction() float64 {
	const n = 80
	step := MarkerSize / n
	inked := 0
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			if m.InkAt((float64(i)+0.5)*step, (float64(j)+0.5)*step) {
				inked++
			}
		}
	}
	return math.Round(float64(inked)/float64(n*n)*1000) / 1000
}
