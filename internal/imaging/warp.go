package imaging

import (
	"github.com/optimark/omr-engine/internal/geometry"
	"github.com/optimark/omr-engine/internal/layout"
)

// Warp renders a w×h raster whose pixel centres are mapped into src by
// dstToSrc and sampled bilinearly. Pixels that map outside src get bg.
func Warp(src *Raster, dstToSrc geometry.Homography, w, h int, bg float64) *Raster {
	out := &Raster{W: w, H: h, Pix: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := dstToSrc.Apply(layout.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5})
			v := bg
			if src.Contains(p.X, p.Y) {
				v = src.Bilinear(p.X, p.Y)
			}
			out.Pix[y*w+x] = float32(v)
		}
	}
	return out
}
