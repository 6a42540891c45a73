package imaging

import (
	"image"
	"math"
	"sort"
)

// Raster is a single-channel image with intensities in [0,1] (0 = black,
// 1 = white). Pixel (x, y) covers the unit square [x,x+1)×[y,y+1), so its
// centre sits at (x+0.5, y+0.5) in continuous coordinates.
//
// The recognition stages work on Rasters rather than image.Image to avoid
// interface dispatch per pixel.
type Raster struct {
	W, H int
	Pix  []float32
}

// NewRaster returns a white raster of the given size.
func NewRaster(w, h int) *Raster {
	r := &Raster{W: w, H: h, Pix: make([]float32, w*h)}
	for i := range r.Pix {
		r.Pix[i] = 1
	}
	return r
}

// RasterFromImage converts img to luminance using ITU-R BT.601 weights.
func RasterFromImage(img image.Image) *Raster {
	b := img.Bounds()
	r := &Raster{W: b.Dx(), H: b.Dy(), Pix: make([]float32, b.Dx()*b.Dy())}

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < r.H; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+r.W]
			for x, v := range row {
				r.Pix[y*r.W+x] = float32(v) / 255
			}
		}
	case *image.NRGBA:
		for y := 0; y < r.H; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+4*r.W]
			for x := 0; x < r.W; x++ {
				p := row[4*x : 4*x+4]
				lum := 0.299*float32(p[0]) + 0.587*float32(p[1]) + 0.114*float32(p[2])
				// Transparent pixels read as paper.
				a := float32(p[3]) / 255
				r.Pix[y*r.W+x] = (lum/255)*a + (1 - a)
			}
		}
	default:
		for y := 0; y < r.H; y++ {
			for x := 0; x < r.W; x++ {
				cr, cg, cb, ca := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				lum := (0.299*float32(cr) + 0.587*float32(cg) + 0.114*float32(cb)) / 65535
				a := float32(ca) / 65535
				r.Pix[y*r.W+x] = lum + (1 - a)
			}
		}
	}
	return r
}

// In reports whether the integer pixel (x, y) lies inside r.
func (r *Raster) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < r.W && y < r.H
}

// At returns the pixel value, clamping coordinates to the edge.
func (r *Raster) At(x, y int) float64 {
	x = clamp(x, 0, r.W-1)
	y = clamp(y, 0, r.H-1)
	return float64(r.Pix[y*r.W+x])
}

func (r *Raster) Set(x, y int, v float64) {
	if r.In(x, y) {
		r.Pix[y*r.W+x] = float32(v)
	}
}

// Bilinear samples r at the continuous position (x, y).
func (r *Raster) Bilinear(x, y float64) float64 {
	fx := x - 0.5
	fy := y - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	a := r.At(x0, y0)
	b := r.At(x0+1, y0)
	c := r.At(x0, y0+1)
	d := r.At(x0+1, y0+1)
	top := a + (b-a)*tx
	bottom := c + (d-c)*tx
	return top + (bottom-top)*ty
}

// Contains reports whether the continuous position (x, y) lies on r.
func (r *Raster) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(r.W) && y < float64(r.H)
}

// Clone returns a deep copy of r.
func (r *Raster) Clone() *Raster {
	out := &Raster{W: r.W, H: r.H, Pix: make([]float32, len(r.Pix))}
	copy(out.Pix, r.Pix)
	return out
}

// Gray converts r to an 8-bit grayscale image.
func (r *Raster) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, r.W, r.H))
	for i, v := range r.Pix {
		g.Pix[i] = toByte(float64(v))
	}
	return g
}

// Percentile returns the p-th percentile (0..100) of the pixel values,
// estimated from a 256-bin histogram.
func (r *Raster) Percentile(p float64) float64 {
	var hist [256]int
	for _, v := range r.Pix {
		hist[toByte(float64(v))]++
	}
	return histPercentile(hist[:], len(r.Pix), p)
}

func histPercentile(hist []int, total int, p float64) float64 {
	if total == 0 {
		return 0
	}
	target := int(math.Ceil(p / 100 * float64(total)))
	if target < 1 {
		target = 1
	}
	seen := 0
	for i, n := range hist {
		seen += n
		if seen >= target {
			return float64(i) / float64(len(hist)-1)
		}
	}
	return 1
}

// Mean returns the average pixel value.
func (r *Raster) Mean() float64 {
	if len(r.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.Pix {
		sum += float64(v)
	}
	return sum / float64(len(r.Pix))
}

// PercentileOf returns the p-th percentile of vs. vs is reordered.
func PercentileOf(vs []float64, p float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sort.Float64s(vs)
	i := int(math.Round(p / 100 * float64(len(vs)-1)))
	return vs[clamp(i, 0, len(vs)-1)]
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// clamp constrains an integer value to the range [lo, hi].
func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
