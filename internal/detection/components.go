package detection

import (
	"image"
	"sort"

	"github.com/optimark/omr-engine/internal/imaging"
)

// Binary is a thresholded raster; true marks ink.
type Binary struct {
	W, H int
	Pix  []bool
}

// At reports whether (x, y) is ink. Pixels outside the image are paper.
func (b *Binary) At(x, y int) bool {
	if x < 0 || y < 0 || x >= b.W || y >= b.H {
		return false
	}
	return b.Pix[y*b.W+x]
}

// Binarize thresholds r with Bradley's adaptive method: a pixel is ink when
// it is darker than the mean of its window×window neighbourhood by more than
// the fraction t, and darker than the absolute ceiling.
//
// # Algorithm
//
//  1. Integral image: S(x,y) = sum of all pixels above and left of (x,y),
//     so any window sum costs four lookups
//  2. Threshold: ink if v·area < sum·(1-t) and v < ceiling
//
// The window adapts to uneven lighting across a phone capture while staying
// larger than a corner marker, so solid marker areas are not hollowed out.
func Binarize(r *imaging.Raster, window int, t, ceiling float64) *Binary {
	w, h := r.W, r.H
	integral := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum float64
		for x := 0; x < w; x++ {
			rowSum += float64(r.Pix[y*w+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	half := max(1, window/2)
	out := &Binary{W: w, H: h, Pix: make([]bool, w*h)}
	for y := 0; y < h; y++ {
		y0 := max(0, y-half)
		y1 := min(h, y+half+1)
		for x := 0; x < w; x++ {
			v := float64(r.Pix[y*w+x])
			if v >= ceiling {
				continue
			}
			x0 := max(0, x-half)
			x1 := min(w, x+half+1)
			area := float64((x1 - x0) * (y1 - y0))
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			out.Pix[y*w+x] = v*area < sum*(1-t)
		}
	}
	return out
}

// Component is an 8-connected group of ink pixels.
type Component struct {
	// Box is the bounding box; Max is exclusive.
	Box image.Rectangle

	// Pixels is the number of ink pixels in the component.
	Pixels int

	// Extremes holds the diagonal extreme points in the order top-left,
	// top-right, bottom-right, bottom-left: the pixels minimising x+y,
	// maximising x-y, maximising x+y and minimising x-y. Each is the outer
	// corner of that pixel, so a solid square yields its exact corners.
	Extremes [4]image.Point
}

// Fill is the share of the bounding box covered by the component.
func (c Component) Fill() float64 {
	area := c.Box.Dx() * c.Box.Dy()
	if area == 0 {
		return 0
	}
	return float64(c.Pixels) / float64(area)
}

// FindComponents labels the 8-connected ink components inside rect and
// returns those with at least minPixels pixels, largest first. Components
// are clipped to rect.
func FindComponents(b *Binary, rect image.Rectangle, minPixels int) []Component {
	rect = rect.Intersect(image.Rect(0, 0, b.W, b.H))
	rw, rh := rect.Dx(), rect.Dy()
	if rw <= 0 || rh <= 0 {
		return nil
	}
	visited := make([]bool, rw*rh)

	var comps []Component
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			i := (y-rect.Min.Y)*rw + (x - rect.Min.X)
			if visited[i] || !b.Pix[y*b.W+x] {
				continue
			}
			c := floodFill(b, visited, rect, x, y)
			if c.Pixels >= minPixels {
				comps = append(comps, c)
			}
		}
	}

	sort.SliceStable(comps, func(i, j int) bool {
		return comps[i].Pixels > comps[j].Pixels
	})
	return comps
}

// floodFill performs iterative flood-fill from a starting point.
//
// Uses a stack-based approach (not recursive) to avoid stack overflow
// on large components. Uses 8-connectivity (includes diagonal neighbors).
func floodFill(b *Binary, visited []bool, rect image.Rectangle, startX, startY int) Component {
	rw := rect.Dx()
	c := Component{Box: image.Rect(startX, startY, startX+1, startY+1)}
	best := [4]int{startX + startY, startX - startY, startX + startY, startX - startY}
	c.Extremes = [4]image.Point{
		{X: startX, Y: startY},
		{X: startX + 1, Y: startY},
		{X: startX + 1, Y: startY + 1},
		{X: startX, Y: startY + 1},
	}

	stack := []image.Point{{X: startX, Y: startY}}
	visited[(startY-rect.Min.Y)*rw+(startX-rect.Min.X)] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		c.Pixels++
		if p.X < c.Box.Min.X {
			c.Box.Min.X = p.X
		}
		if p.X+1 > c.Box.Max.X {
			c.Box.Max.X = p.X + 1
		}
		if p.Y < c.Box.Min.Y {
			c.Box.Min.Y = p.Y
		}
		if p.Y+1 > c.Box.Max.Y {
			c.Box.Max.Y = p.Y + 1
		}

		sum, diff := p.X+p.Y, p.X-p.Y
		if sum < best[0] {
			best[0], c.Extremes[0] = sum, image.Point{X: p.X, Y: p.Y}
		}
		if diff > best[1] {
			best[1], c.Extremes[1] = diff, image.Point{X: p.X + 1, Y: p.Y}
		}
		if sum > best[2] {
			best[2], c.Extremes[2] = sum, image.Point{X: p.X + 1, Y: p.Y + 1}
		}
		if diff < best[3] {
			best[3], c.Extremes[3] = diff, image.Point{X: p.X, Y: p.Y + 1}
		}

		// 8-connected neighbors
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := p.X+dx, p.Y+dy
				if nx < rect.Min.X || nx >= rect.Max.X || ny < rect.Min.Y || ny >= rect.Max.Y {
					continue
				}
				i := (ny-rect.Min.Y)*rw + (nx - rect.Min.X)
				if visited[i] || !b.Pix[ny*b.W+nx] {
					continue
				}
				visited[i] = true
				stack = append(stack, image.Point{X: nx, Y: ny})
			}
		}
	}
	return c
}
