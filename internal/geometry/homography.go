// Package geometry estimates the plane-to-plane transforms that map template
// coordinates onto a captured sheet.
//
// Points are layout.Point values. Template points are in template units and
// image points in pixels; the transforms themselves do not care which is
// which.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/optimark/omr-engine/internal/layout"
)

var (
	ErrTooFewPoints = errors.New("not enough point correspondences")
	ErrDegenerate   = errors.New("degenerate point configuration")
)

// Homography is a 3x3 projective transform stored row-major with H[8] == 1.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Apply maps p through h.
func (h Homography) Apply(p layout.Point) layout.Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return layout.Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// ApplyAll maps every point of ps.
func (h Homography) ApplyAll(ps []layout.Point) []layout.Point {
	out := make([]layout.Point, len(ps))
	for i, p := range ps {
		out[i] = h.Apply(p)
	}
	return out
}

// Inverse returns the transform mapping back from the destination plane.
func (h Homography) Inverse() (Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, h[:])); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	return out.normalized()
}

// Mul returns the transform applying o first and then h.
func (h Homography) Mul(o Homography) Homography {
	var out mat.Dense
	out.Mul(mat.NewDense(3, 3, h[:]), mat.NewDense(3, 3, o[:]))
	var res Homography
	copy(res[:], out.RawMatrix().Data)
	n, err := res.normalized()
	if err != nil {
		return res
	}
	return n
}

func (h Homography) normalized() (Homography, error) {
	if math.Abs(h[8]) < 1e-12 {
		return Homography{}, fmt.Errorf("%w: point at infinity", ErrDegenerate)
	}
	s := h[8]
	for i := range h {
		h[i] /= s
	}
	return h, nil
}

// EstimateHomography fits the transform taking src[i] to dst[i] with the
// normalised direct linear transform. At least four correspondences are
// required; with more, the result is the algebraic least-squares fit.
func EstimateHomography(src, dst []layout.Point) (Homography, error) {
	if len(src) != len(dst) {
		return Homography{}, fmt.Errorf("point count mismatch: %d source, %d destination", len(src), len(dst))
	}
	n := len(src)
	if n < 4 {
		return Homography{}, fmt.Errorf("%w: need 4, have %d", ErrTooFewPoints, n)
	}

	ts, err := normalizer(src)
	if err != nil {
		return Homography{}, err
	}
	td, err := normalizer(dst)
	if err != nil {
		return Homography{}, err
	}
	ns := ts.ApplyAll(src)
	nd := td.ApplyAll(dst)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("%w: cannot factorize", ErrDegenerate)
	}
	values := svd.Values(nil)
	// A rank below 8 means the points do not pin down a unique transform.
	if len(values) >= 8 && values[7] < 1e-9*values[0] {
		return Homography{}, fmt.Errorf("%w: collinear points", ErrDegenerate)
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, err
	}
	return tdInv.Mul(hn).Mul(ts).normalized()
}

// normalizer moves the centroid of ps to the origin and scales the mean
// distance from it to sqrt(2).
func normalizer(ps []layout.Point) (Homography, error) {
	var cx, cy float64
	for _, p := range ps {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(ps))
	cy /= float64(len(ps))

	var mean float64
	for _, p := range ps {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(ps))
	if mean < 1e-12 {
		return Homography{}, fmt.Errorf("%w: coincident points", ErrDegenerate)
	}
	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, nil
}

// ReprojectionError returns the mean and maximum distance between h(src[i])
// and dst[i].
func ReprojectionError(h Homography, src, dst []layout.Point) (mean, max float64) {
	if len(src) == 0 {
		return 0, 0
	}
	for i := range src {
		p := h.Apply(src[i])
		d := math.Hypot(p.X-dst[i].X, p.Y-dst[i].Y)
		mean += d
		if d > max {
			max = d
		}
	}
	return mean / float64(len(src)), max
}
