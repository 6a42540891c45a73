package detection

import (
	"image"
	"math"
	"sort"
	"sync"

	"github.com/optimark/omr-engine/internal/layout"
)

// fitGrid is the resolution at which candidate marker boxes are compared with
// the reference artwork.
const fitGrid = 20

// fitSubsamples is the number of samples per grid cell along each axis.
const fitSubsamples = 3

type reference [fitGrid * fitGrid]float64

var (
	referencesOnce sync.Once
	// references[c][0] is corner c's artwork upright, [1] turned 180°.
	references [4][2]reference
)

func buildReferences() {
	step := layout.MarkerSize / fitGrid
	sub := step / fitSubsamples
	for _, c := range layout.Corners {
		p := layout.Pattern(c)
		for rot := 0; rot < 2; rot++ {
			var ref reference
			for j := 0; j < fitGrid; j++ {
				for i := 0; i < fitGrid; i++ {
					ink := 0
					for sj := 0; sj < fitSubsamples; sj++ {
						for si := 0; si < fitSubsamples; si++ {
							u := float64(i)*step + (float64(si)+0.5)*sub
							v := float64(j)*step + (float64(sj)+0.5)*sub
							inked := p.InkAt(u, v)
							if rot == 1 {
								inked = p.InkAtRotated(u, v)
							}
							if inked {
								ink++
							}
						}
					}
					ref[j*fitGrid+i] = float64(ink) / (fitSubsamples * fitSubsamples)
				}
			}
			references[c][rot] = ref
		}
	}
}

func referenceFor(c layout.Corner, rotated bool) *reference {
	referencesOnce.Do(buildReferences)
	if rotated {
		return &references[c][1]
	}
	return &references[c][0]
}

// sampleBox resamples the ink inside box onto the fit grid.
func sampleBox(b *Binary, box image.Rectangle) reference {
	var out reference
	sx := float64(box.Dx()) / fitGrid
	sy := float64(box.Dy()) / fitGrid
	for j := 0; j < fitGrid; j++ {
		for i := 0; i < fitGrid; i++ {
			ink := 0
			for sj := 0; sj < fitSubsamples; sj++ {
				for si := 0; si < fitSubsamples; si++ {
					x := float64(box.Min.X) + (float64(i)+(float64(si)+0.5)/fitSubsamples)*sx
					y := float64(box.Min.Y) + (float64(j)+(float64(sj)+0.5)/fitSubsamples)*sy
					if b.At(int(math.Floor(x)), int(math.Floor(y))) {
						ink++
					}
				}
			}
			out[j*fitGrid+i] = float64(ink) / (fitSubsamples * fitSubsamples)
		}
	}
	return out
}

// fitScore is 1 minus the mean absolute difference between two grids.
func fitScore(a, b *reference) float64 {
	var d float64
	for i := range a {
		d += math.Abs(a[i] - b[i])
	}
	return 1 - d/float64(len(a))
}

// Candidate is a dark component considered as a corner marker.
type Candidate struct {
	Component
	grid reference
}

// Fit scores the candidate against the artwork of corner c.
func (c *Candidate) Fit(corner layout.Corner, rotated bool) float64 {
	return fitScore(&c.grid, referenceFor(corner, rotated))
}

// Center is the centre of the candidate's bounding box, in continuous image
// coordinates.
func (c *Candidate) Center() layout.Point {
	return layout.Point{
		X: float64(c.Box.Min.X+c.Box.Max.X) / 2,
		Y: float64(c.Box.Min.Y+c.Box.Max.Y) / 2,
	}
}

// searchWindow returns the region of the image in which the marker nearest
// image corner c is searched for.
func searchWindow(w, h int, frac float64, c layout.Corner) image.Rectangle {
	ww := int(math.Ceil(float64(w) * frac))
	wh := int(math.Ceil(float64(h) * frac))
	switch c {
	case layout.TopLeft:
		return image.Rect(0, 0, ww, wh)
	case layout.TopRight:
		return image.Rect(w-ww, 0, w, wh)
	case layout.BottomRight:
		return image.Rect(w-ww, h-wh, w, h)
	default:
		return image.Rect(0, h-wh, ww, h)
	}
}

// minMarkerFill is 40% of the ink coverage of the sparsest marker pattern.
// Blur and binarisation thin the artwork, so the floor leaves room.
var minMarkerFill = sync.OnceValue(func() float64 {
	lowest := 1.0
	for _, c := range layout.Corners {
		lowest = min(lowest, layout.Pattern(c).InkFraction())
	}
	return lowest * 0.4
})

// findCandidates returns the components in window that could be a corner
// marker by size, aspect and ink density.
func findCandidates(b *Binary, window image.Rectangle, opts Options) []*Candidate {
	short := float64(min(b.W, b.H))
	minSide := opts.MinMarkerFraction * short
	maxSide := opts.MaxMarkerFraction * short
	minPixels := int(minSide * minSide * 0.2)

	var out []*Candidate
	for _, comp := range FindComponents(b, window, max(4, minPixels)) {
		w, h := float64(comp.Box.Dx()), float64(comp.Box.Dy())
		if w < minSide || h < minSide || w > maxSide || h > maxSide {
			continue
		}
		if aspect := w / h; aspect < 0.5 || aspect > 2 {
			continue
		}
		if comp.Fill() < minMarkerFill() {
			continue
		}
		out = append(out, &Candidate{Component: comp, grid: sampleBox(b, comp.Box)})
	}
	return out
}

// scored is a candidate with its fit for one hypothesis.
type scored struct {
	cand *Candidate
	fit  float64
}

// rankCandidates returns the candidates whose fit against the expected
// artwork reaches minFit, best first.
func rankCandidates(cands []*Candidate, corner layout.Corner, rotated bool, minFit float64) []scored {
	var out []scored
	for _, c := range cands {
		if f := c.Fit(corner, rotated); f >= minFit {
			out = append(out, scored{cand: c, fit: f})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].fit > out[j].fit
	})
	return out
}
