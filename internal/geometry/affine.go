package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/optimark/omr-engine/internal/layout"
)

// Affine is a 2x3 affine transform stored row-major:
//
//	x' = A[0]*x + A[1]*y + A[2]
//	y' = A[3]*x + A[4]*y + A[5]
type Affine [6]float64

func (a Affine) Apply(p layout.Point) layout.Point {
	return layout.Point{
		X: a[0]*p.X + a[1]*p.Y + a[2],
		Y: a[3]*p.X + a[4]*p.Y + a[5],
	}
}

// Homography lifts a to a projective transform.
func (a Affine) Homography() Homography {
	return Homography{a[0], a[1], a[2], a[3], a[4], a[5], 0, 0, 1}
}

// Scales returns the lengths of the images of the unit x and y axes.
func (a Affine) Scales() (sx, sy float64) {
	return math.Hypot(a[0], a[3]), math.Hypot(a[1], a[4])
}

// Skew is the cosine of the angle between the images of the x and y axes;
// zero for transforms that keep right angles.
func (a Affine) Skew() float64 {
	sx, sy := a.Scales()
	if sx == 0 || sy == 0 {
		return 1
	}
	return (a[0]*a[1] + a[3]*a[4]) / (sx * sy)
}

// EstimateAffine fits the least-squares affine transform taking src[i] to
// dst[i]. At least three non-collinear correspondences are required.
func EstimateAffine(src, dst []layout.Point) (Affine, error) {
	if len(src) != len(dst) {
		return Affine{}, fmt.Errorf("point count mismatch: %d source, %d destination", len(src), len(dst))
	}
	n := len(src)
	if n < 3 {
		return Affine{}, fmt.Errorf("%w: need 3, have %d", ErrTooFewPoints, n)
	}

	m := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i := range src {
		m.SetRow(i, []float64{src[i].X, src[i].Y, 1})
		bx.SetVec(i, dst[i].X)
		by.SetVec(i, dst[i].Y)
	}

	var rx, ry mat.VecDense
	if err := rx.SolveVec(m, bx); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	if err := ry.SolveVec(m, by); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	a := Affine{rx.AtVec(0), rx.AtVec(1), rx.AtVec(2), ry.AtVec(0), ry.AtVec(1), ry.AtVec(2)}
	if math.Abs(a[0]*a[4]-a[1]*a[3]) < 1e-12 {
		return Affine{}, fmt.Errorf("%w: collinear points", ErrDegenerate)
	}
	return a, nil
}

// AffineResidual is the root-mean-square distance between a(src[i]) and
// dst[i].
func AffineResidual(a Affine, src, dst []layout.Point) float64 {
	if len(src) == 0 {
		return 0
	}
	var sum float64
	for i := range src {
		p := a.Apply(src[i])
		dx, dy := p.X-dst[i].X, p.Y-dst[i].Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(src)))
}

// QuadArea returns the area of the polygon q (shoelace formula). The sign is
// positive for clockwise order in image coordinates (y down).
func QuadArea(q [4]layout.Point) float64 {
	var s float64
	for i := range q {
		j := (i + 1) % 4
		s += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return s / 2
}

// IsConvex reports whether q is a convex quadrilateral with a consistent
// winding.
func IsConvex(q [4]layout.Point) bool {
	sign := 0
	for i := range q {
		a, b, c := q[i], q[(i+1)%4], q[(i+2)%4]
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if math.Abs(cross) < 1e-9 {
			return false
		}
		s := 1
		if cross < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}
