package detection

import (
	"fmt"
	"image"
	"math"

	"github.com/optimark/omr-engine/internal/geometry"
	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
)

// Options tunes the marker locator. Zero fields take the value from
// DefaultOptions.
type Options struct {
	// SearchWindow is the fraction of each image dimension searched for a
	// marker at each corner.
	SearchWindow float64 `json:"search_window" mapstructure:"search_window"`

	// MinMarkerFraction and MaxMarkerFraction bound a marker's bounding box
	// side relative to the image's shorter side.
	MinMarkerFraction float64 `json:"min_marker_fraction" mapstructure:"min_marker_fraction"`
	MaxMarkerFraction float64 `json:"max_marker_fraction" mapstructure:"max_marker_fraction"`

	// BinarizeWindow is the adaptive threshold window as a fraction of the
	// image's longer side.
	BinarizeWindow float64 `json:"binarize_window" mapstructure:"binarize_window"`
	// BinarizeT is how much darker than its neighbourhood a pixel must be.
	BinarizeT float64 `json:"binarize_t" mapstructure:"binarize_t"`
	// InkCeiling is the intensity above which a pixel is never ink.
	InkCeiling float64 `json:"ink_ceiling" mapstructure:"ink_ceiling"`

	// MinFit is the lowest artwork fit accepted for a marker.
	MinFit float64 `json:"min_fit" mapstructure:"min_fit"`
	// TieMargin keeps candidates whose fit is this close to the best one;
	// ties are resolved by geometric consistency.
	TieMargin float64 `json:"tie_margin" mapstructure:"tie_margin"`

	// RecoveryPenalty scales the confidence of a three-marker alignment.
	RecoveryPenalty float64 `json:"recovery_penalty" mapstructure:"recovery_penalty"`

	// MaxReprojection is the mean reprojection error, as a fraction of the
	// marker side, at which confidence drops to zero.
	MaxReprojection float64 `json:"max_reprojection" mapstructure:"max_reprojection"`
}

// DefaultOptions are tuned for phone captures of a full sheet.
var DefaultOptions = Options{
	SearchWindow:      0.25,
	MinMarkerFraction: 0.015,
	MaxMarkerFraction: 0.15,
	BinarizeWindow:    0.125,
	BinarizeT:         0.15,
	InkCeiling:        0.55,
	MinFit:            0.7,
	TieMargin:         0.03,
	RecoveryPenalty:   0.85,
	MaxReprojection:   0.25,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&d.SearchWindow, o.SearchWindow)
	set(&d.MinMarkerFraction, o.MinMarkerFraction)
	set(&d.MaxMarkerFraction, o.MaxMarkerFraction)
	set(&d.BinarizeWindow, o.BinarizeWindow)
	set(&d.BinarizeT, o.BinarizeT)
	set(&d.InkCeiling, o.InkCeiling)
	set(&d.MinFit, o.MinFit)
	set(&d.TieMargin, o.TieMargin)
	set(&d.RecoveryPenalty, o.RecoveryPenalty)
	set(&d.MaxReprojection, o.MaxReprojection)
	return d
}

// Orientation of the sheet in the capture.
type Orientation string

const (
	Upright    Orientation = "upright"
	Rotated180 Orientation = "rotated_180"
)

// FoundMarker is a corner marker matched in the capture.
type FoundMarker struct {
	// Corner is the template corner the marker was printed at.
	Corner layout.Corner `json:"corner"`
	// ImageCorner is the image corner whose search window held it.
	ImageCorner layout.Corner `json:"image_corner"`
	// Box is the bounding box in working pixels; empty for synthesized
	// markers.
	Box    image.Rectangle `json:"box"`
	Center layout.Point    `json:"center"`
	Fit    float64         `json:"fit"`
	// Synthesized markers were not seen but placed by three-marker recovery.
	Synthesized bool `json:"synthesized,omitempty"`
}

// Alignment maps template coordinates onto a preprocessed capture.
type Alignment struct {
	// H maps template units to working pixels; Inverse maps back.
	H       geometry.Homography `json:"homography"`
	Inverse geometry.Homography `json:"-"`

	Orientation Orientation   `json:"orientation"`
	Markers     []FoundMarker `json:"markers"`
	// Recovered is set when only three markers were found.
	Recovered bool `json:"recovered"`

	// ReprojectionError is the mean distance in pixels between the observed
	// marker points and their projections.
	ReprojectionError float64 `json:"reprojection_error"`
	MeanFit           float64 `json:"mean_fit"`
	Confidence        float64 `json:"confidence"`

	// PixelsPerUnit is the average scale of the capture.
	PixelsPerUnit float64 `json:"pixels_per_unit"`
}

// Project maps a template point into the capture.
func (a *Alignment) Project(p layout.Point) layout.Point {
	return a.H.Apply(p)
}

// ProjectRect maps the corners of a template rectangle into the capture.
func (a *Alignment) ProjectRect(r layout.Rect) [4]layout.Point {
	c := r.Corners()
	return [4]layout.Point{a.H.Apply(c[0]), a.H.Apply(c[1]), a.H.Apply(c[2]), a.H.Apply(c[3])}
}

// ImageRect returns the pixel bounding box of a projected template rectangle.
func (a *Alignment) ImageRect(r layout.Rect) image.Rectangle {
	q := a.ProjectRect(r)
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range q {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

// hypothesis is one orientation's pick of candidates per image corner.
type hypothesis struct {
	rotated bool
	// picks[ic] holds the candidates retained for image corner ic.
	picks [4][]scored
	total float64
	found int
}

func templateCorner(imageCorner layout.Corner, rotated bool) layout.Corner {
	if rotated {
		return imageCorner.Opposite()
	}
	return imageCorner
}

// Locate finds the corner markers in a preprocessed capture and estimates
// the template-to-image homography.
//
// Both orientations are scored: upright, and turned 180° (the top-left
// artwork then sits in the bottom-right of the image). The hypothesis with the
// higher total fit wins. With four markers the homography is fitted to the
// marker centres and their usable box corners; with three, a least-squares
// affine transform stands in and the fourth marker is synthesized.
//
// Failures are classified as omr.CodeAlignmentFailed.
func Locate(gray *imaging.Raster, tpl *layout.Template, opts Options) (*Alignment, error) {
	opts = opts.withDefaults()
	if gray == nil || gray.W == 0 || gray.H == 0 {
		return nil, omr.Errorf(omr.CodeAlignmentFailed, "empty raster")
	}

	window := int(opts.BinarizeWindow * float64(max(gray.W, gray.H)))
	bin := Binarize(gray, max(15, window), opts.BinarizeT, opts.InkCeiling)

	var cands [4][]*Candidate
	for _, ic := range layout.Corners {
		cands[ic] = findCandidates(bin, searchWindow(gray.W, gray.H, opts.SearchWindow, ic), opts)
	}

	hyps := [2]hypothesis{{rotated: false}, {rotated: true}}
	for hi := range hyps {
		h := &hyps[hi]
		for _, ic := range layout.Corners {
			ranked := rankCandidates(cands[ic], templateCorner(ic, h.rotated), h.rotated, opts.MinFit)
			if len(ranked) == 0 {
				continue
			}
			best := ranked[0].fit
			keep := ranked[:1]
			for _, s := range ranked[1:] {
				if best-s.fit > opts.TieMargin || len(keep) == 3 {
					break
				}
				keep = append(keep, s)
			}
			h.picks[ic] = keep
			h.total += best
			h.found++
		}
	}
	hyp := hyps[0]
	if hyps[1].total > hyps[0].total {
		hyp = hyps[1]
	}
	if hyp.found < 3 {
		return nil, omr.Errorf(omr.CodeAlignmentFailed, "found %d of 4 corner markers", hyp.found)
	}

	chosen := resolveTies(tpl, hyp)
	return fitAlignment(gray, tpl, hyp.rotated, chosen, opts)
}

// resolveTies picks one candidate per corner, choosing among near-equal fits
// the combination whose centres best match the template's marker layout.
func resolveTies(tpl *layout.Template, hyp hypothesis) [4]*scored {
	var corners []layout.Corner
	for _, ic := range layout.Corners {
		if len(hyp.picks[ic]) > 0 {
			corners = append(corners, ic)
		}
	}

	var best [4]*scored
	bestResidual := math.Inf(1)
	bestFit := math.Inf(-1)
	var current [4]*scored

	var walk func(i int)
	walk = func(i int) {
		if i == len(corners) {
			var src, dst []layout.Point
			fit := 0.0
			for _, ic := range corners {
				src = append(src, tpl.Marker(templateCorner(ic, hyp.rotated)).Center())
				dst = append(dst, current[ic].cand.Center())
				fit += current[ic].fit
			}
			residual := 0.0
			if a, err := geometry.EstimateAffine(src, dst); err == nil {
				residual = geometry.AffineResidual(a, src, dst)
			} else {
				residual = math.Inf(1)
			}
			// Residuals within a pixel are treated as equal; fit decides.
			if residual < bestResidual-1 || (math.Abs(residual-bestResidual) <= 1 && fit > bestFit) || math.IsInf(bestResidual, 1) {
				bestResidual, bestFit = residual, fit
				best = current
			}
			return
		}
		ic := corners[i]
		for k := range hyp.picks[ic] {
			current[ic] = &hyp.picks[ic][k]
			walk(i + 1)
		}
		current[ic] = nil
	}
	walk(0)
	return best
}

func fitAlignment(gray *imaging.Raster, tpl *layout.Template, rotated bool, chosen [4]*scored, opts Options) (*Alignment, error) {
	a := &Alignment{Orientation: Upright}
	if rotated {
		a.Orientation = Rotated180
	}

	var src, dst []layout.Point
	var fitSum, sideSum float64
	var missing []layout.Corner
	for _, ic := range layout.Corners {
		tc := templateCorner(ic, rotated)
		s := chosen[ic]
		if s == nil {
			missing = append(missing, tc)
			continue
		}
		m := tpl.Marker(tc)
		c := s.cand
		// Reference points are the centre, then the usable box corners in
		// template corner order.
		src = append(src, m.ReferencePoints()...)
		dst = append(dst, c.Center())
		for tk, usable := range m.Pattern().BoxCorners {
			if !usable {
				continue
			}
			k := tk
			if rotated {
				k = (tk + 2) % 4
			}
			e := c.Extremes[k]
			dst = append(dst, layout.Point{X: float64(e.X), Y: float64(e.Y)})
		}

		fitSum += s.fit
		sideSum += math.Sqrt(float64(c.Box.Dx() * c.Box.Dy()))
		a.Markers = append(a.Markers, FoundMarker{
			Corner:      tc,
			ImageCorner: ic,
			Box:         c.Box,
			Center:      c.Center(),
			Fit:         round3(s.fit),
		})
	}
	n := float64(len(a.Markers))
	a.MeanFit = fitSum / n
	markerSide := sideSum / n
	a.PixelsPerUnit = markerSide / layout.MarkerSize

	switch len(missing) {
	case 0:
		h, err := geometry.EstimateHomography(src, dst)
		if err != nil {
			return nil, omr.Wrap(omr.CodeAlignmentFailed, err, "homography estimation failed")
		}
		a.H = h
	case 1:
		af, err := geometry.EstimateAffine(src, dst)
		if err != nil {
			return nil, omr.Wrap(omr.CodeAlignmentFailed, err, "affine estimation failed")
		}
		sx, sy := af.Scales()
		if ratio := sx / sy; ratio < 0.75 || ratio > 1.33 {
			return nil, omr.Errorf(omr.CodeAlignmentFailed, "three-marker fit has implausible aspect %.2f", ratio)
		}
		if math.Abs(af.Skew()) > 0.1 {
			return nil, omr.Errorf(omr.CodeAlignmentFailed, "three-marker fit has implausible skew %.2f", af.Skew())
		}
		a.H = af.Homography()
		a.Recovered = true
		m := tpl.Marker(missing[0])
		ic := missing[0]
		if rotated {
			ic = ic.Opposite()
		}
		a.Markers = append(a.Markers, FoundMarker{
			Corner:      m.Corner,
			ImageCorner: ic,
			Center:      a.H.Apply(m.Center()),
			Synthesized: true,
		})
	default:
		return nil, omr.Errorf(omr.CodeAlignmentFailed, "found %d of 4 corner markers", 4-len(missing))
	}

	inv, err := a.H.Inverse()
	if err != nil {
		return nil, omr.Wrap(omr.CodeAlignmentFailed, err, "homography not invertible")
	}
	a.Inverse = inv

	if err := checkFrame(a, tpl, gray.W, gray.H); err != nil {
		return nil, err
	}

	meanErr, _ := geometry.ReprojectionError(a.H, src, dst)
	a.ReprojectionError = round3(meanErr)
	quality := 1 - meanErr/(opts.MaxReprojection*markerSide)
	quality = math.Max(0, math.Min(1, quality))
	conf := a.MeanFit * quality
	if a.Recovered {
		conf *= opts.RecoveryPenalty
	}
	a.Confidence = round3(conf)
	a.MeanFit = round3(a.MeanFit)
	return a, nil
}

// checkFrame rejects homographies that project the template frame onto an
// implausible quadrilateral.
func checkFrame(a *Alignment, tpl *layout.Template, w, h int) error {
	fc := tpl.Frame().Corners()
	var q [4]layout.Point
	for i, p := range fc {
		q[i] = a.H.Apply(p)
		if math.IsNaN(q[i].X) || math.IsNaN(q[i].Y) || math.IsInf(q[i].X, 0) || math.IsInf(q[i].Y, 0) {
			return omr.Errorf(omr.CodeAlignmentFailed, "frame corner projects to infinity")
		}
	}
	if !geometry.IsConvex(q) {
		return omr.Errorf(omr.CodeAlignmentFailed, "projected frame is not convex")
	}
	area := geometry.QuadArea(q)
	if area <= 0 {
		return omr.Errorf(omr.CodeAlignmentFailed, "projected frame is mirrored")
	}
	if imgArea := float64(w * h); area < 0.1*imgArea {
		return omr.Errorf(omr.CodeAlignmentFailed, "projected frame covers %.1f%% of the image", 100*area/imgArea)
	}
	mx, my := 0.1*float64(w), 0.1*float64(h)
	for i, p := range q {
		if p.X < -mx || p.Y < -my || p.X > float64(w)+mx || p.Y > float64(h)+my {
			return omr.Errorf(omr.CodeAlignmentFailed, "frame corner %s projects outside the image", layout.Corners[i])
		}
	}
	return nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// String describes a for logs.
func (a *Alignment) String() string {
	return fmt.Sprintf("%s markers=%d recovered=%t fit=%.3f reproj=%.2fpx confidence=%.3f",
		a.Orientation, len(a.Markers), a.Recovered, a.MeanFit, a.ReprojectionError, a.Confidence)
}

// Rectify resamples the template rectangle r out of gray at res pixels per
// template unit, upright whatever the capture orientation. Pixels outside the
// capture read as paper.
func (a *Alignment) Rectify(gray *imaging.Raster, r layout.Rect, res float64) *imaging.Raster {
	w := max(1, int(math.Round(r.Width()*res)))
	h := max(1, int(math.Round(r.Height()*res)))
	toTemplate := geometry.Homography{1 / res, 0, r.X0, 0, 1 / res, r.Y0, 0, 0, 1}
	return imaging.Warp(gray, a.H.Mul(toTemplate), w, h, 1)
}
