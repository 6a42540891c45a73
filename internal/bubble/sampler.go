// Package bubble samples the printed bubbles of an aligned capture and
// decides which option of each group was marked.
//
// A cell's fill ratio is the share of samples inside the bubble that are
// darker than the local paper. Local paper is measured on a ring just
// outside the bubble, so uneven lighting and tinted paper shift both sides
// of the comparison equally.
package bubble

import (
	"math"

	"github.com/optimark/omr-engine/internal/geometry"
	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/layout"
)

// Options holds the sampling and classification thresholds. Zero fields
// take the value from DefaultOptions.
type Options struct {
	// SampleRadius is the sampled disc radius as a fraction of the bubble
	// radius; it keeps the printed outline out of the sample.
	SampleRadius float64 `json:"sample_radius" mapstructure:"sample_radius"`
	// RingInner and RingOuter bound the paper ring, as fractions of the
	// bubble radius.
	RingInner float64 `json:"ring_inner" mapstructure:"ring_inner"`
	RingOuter float64 `json:"ring_outer" mapstructure:"ring_outer"`
	// PaperPercentile of the ring samples is taken as the paper level.
	PaperPercentile float64 `json:"paper_percentile" mapstructure:"paper_percentile"`
	// DarkDelta: a sample is dark when darker than paper by this fraction.
	DarkDelta float64 `json:"dark_delta" mapstructure:"dark_delta"`

	FilledMin float64 `json:"filled_min" mapstructure:"filled_min"`
	EmptyMax  float64 `json:"empty_max" mapstructure:"empty_max"`
	// SeparationMargin is how far the selected option's fill must lead every
	// other option in its group.
	SeparationMargin float64 `json:"separation_margin" mapstructure:"separation_margin"`
}

var DefaultOptions = Options{
	SampleRadius:     0.7,
	RingInner:        1.35,
	RingOuter:        1.6,
	PaperPercentile:  75,
	DarkDelta:        0.35,
	FilledMin:        0.5,
	EmptyMax:         0.2,
	SeparationMargin: 0.25,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&d.SampleRadius, o.SampleRadius)
	set(&d.RingInner, o.RingInner)
	set(&d.RingOuter, o.RingOuter)
	set(&d.PaperPercentile, o.PaperPercentile)
	set(&d.DarkDelta, o.DarkDelta)
	set(&d.FilledMin, o.FilledMin)
	set(&d.EmptyMax, o.EmptyMax)
	set(&d.SeparationMargin, o.SeparationMargin)
	return d
}

// Sampler reads bubbles from one aligned capture.
type Sampler struct {
	gray *imaging.Raster
	h    geometry.Homography
	opts Options
}

// NewSampler returns a sampler over gray, where h maps template units to
// gray's pixels.
func NewSampler(gray *imaging.Raster, h geometry.Homography, opts Options) *Sampler {
	return &Sampler{gray: gray, h: h, opts: opts.withDefaults()}
}

// Options returns the effective thresholds.
func (s *Sampler) Options() Options {
	return s.opts
}

// localScale estimates pixels per template unit around p.
func (s *Sampler) localScale(p layout.Point) float64 {
	a := s.h.Apply(p)
	bx := s.h.Apply(layout.Point{X: p.X + 1, Y: p.Y})
	by := s.h.Apply(layout.Point{X: p.X, Y: p.Y + 1})
	return (math.Hypot(bx.X-a.X, bx.Y-a.Y) + math.Hypot(by.X-a.X, by.Y-a.Y)) / 2
}

// at samples the capture at template point p. Points projecting outside the
// capture read as paper.
func (s *Sampler) at(p layout.Point) float64 {
	q := s.h.Apply(p)
	if !s.gray.Contains(q.X, q.Y) {
		return 1
	}
	return s.gray.Bilinear(q.X, q.Y)
}

// Measure samples one bubble and returns its fill ratio and paper level.
func (s *Sampler) Measure(rect layout.Rect) (fill, paper float64) {
	c := rect.Center()
	r := rect.Radius()

	// Ring: 48 angles at three radii.
	ring := make([]float64, 0, 144)
	for k := 0; k < 3; k++ {
		rr := r * (s.opts.RingInner + (s.opts.RingOuter-s.opts.RingInner)*float64(k)/2)
		for a := 0; a < 48; a++ {
			th := 2 * math.Pi * float64(a) / 48
			ring = append(ring, s.at(layout.Point{X: c.X + rr*math.Cos(th), Y: c.Y + rr*math.Sin(th)}))
		}
	}
	paper = imaging.PercentileOf(ring, s.opts.PaperPercentile)

	// Disc: a grid of roughly one sample per output pixel, never coarser
	// than eight samples across.
	sr := r * s.opts.SampleRadius
	step := math.Min(1/math.Max(s.localScale(c), 1e-6), sr/4)
	cut := paper * (1 - s.opts.DarkDelta)
	dark, total := 0, 0
	for v := -sr + step/2; v < sr; v += step {
		for u := -sr + step/2; u < sr; u += step {
			if u*u+v*v > sr*sr {
				continue
			}
			total++
			if s.at(layout.Point{X: c.X + u, Y: c.Y + v}) < cut {
				dark++
			}
		}
	}
	if total == 0 {
		return 0, paper
	}
	return float64(dark) / float64(total), paper
}
