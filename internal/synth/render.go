// Package synth renders templates into raster sheet images: blank sample
// sheets for printing checks, and filled, distorted captures with known
// ground truth for exercising the recognition stages.
package synth

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/optimark/omr-engine/internal/geometry"
	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
)

// Sheet describes what a student marked.
type Sheet struct {
	// Answers lists the fully filled options per question. Two or more
	// options make a double mark.
	Answers map[int][]omr.Option
	// Partial lists options shaded over their left third only, as a
	// hesitant student leaves them.
	Partial map[int]omr.Option
	// SetCode holds the filled set-code labels, e.g. "B"; "" leaves the row
	// blank and "AC" double marks it.
	SetCode string
	// Roll and Subject hold one digit per column; a space leaves that
	// column blank.
	Roll    string
	Subject string
	// Handwritten is written into the roll box in a fixed-width hand.
	Handwritten string
}

// Single returns answers with exactly one option per question.
func Single(answers map[int]omr.Option) map[int][]omr.Option {
	out := make(map[int][]omr.Option, len(answers))
	for q, o := range answers {
		out[q] = []omr.Option{o}
	}
	return out
}

// Options controls the capture simulation.
type Options struct {
	// Scale is output pixels per template unit.
	Scale float64
	// Margin is the paper border around the frame, in template units.
	Margin float64
	// Perspective displaces each output corner by up to this fraction of
	// the image size, deterministically from Seed.
	Perspective float64
	// Rotate180 turns the capture upside down.
	Rotate180 bool
	// Noise is the standard deviation of additive Gaussian noise.
	Noise float64
	// Shade darkens the image linearly from left to right by this amount,
	// as uneven lighting does.
	Shade float64
	// Hide omits the marker printed at the listed template corners.
	Hide []layout.Corner
	// FillTone and OutlineTone are the intensities of pencil fills and
	// printed bubble outlines.
	FillTone    float64
	OutlineTone float64
	Seed        uint64
}

// DefaultOptions render a clean, upright capture.
var DefaultOptions = Options{
	Scale:       1.4,
	Margin:      30,
	FillTone:    0.2,
	OutlineTone: 0.7,
}

func (o Options) withDefaults() Options {
	if o.Scale <= 0 {
		o.Scale = DefaultOptions.Scale
	}
	if o.Margin <= 0 {
		o.Margin = DefaultOptions.Margin
	}
	if o.FillTone <= 0 {
		o.FillTone = DefaultOptions.FillTone
	}
	if o.OutlineTone <= 0 {
		o.OutlineTone = DefaultOptions.OutlineTone
	}
	return o
}

// Capture is a rendered sheet together with its ground truth.
type Capture struct {
	Image *image.Gray
	// H maps template units to output pixels.
	H geometry.Homography
}

// canvasRes is the template-space canvas resolution in pixels per unit.
const canvasRes = 2.0

// Render draws tpl with the marks in sheet and simulates a capture.
func Render(tpl *layout.Template, sheet Sheet, opts Options) (*Capture, error) {
	opts = opts.withDefaults()
	canvas := paint(tpl, sheet, opts)

	outW := int(math.Round((tpl.Width + 2*opts.Margin) * opts.Scale))
	outH := int(math.Round((tpl.Height + 2*opts.Margin) * opts.Scale))

	// Template to undistorted output.
	t := geometry.Homography{
		opts.Scale, 0, opts.Margin * opts.Scale,
		0, opts.Scale, opts.Margin * opts.Scale,
		0, 0, 1,
	}

	d := geometry.Identity()
	if opts.Perspective > 0 {
		rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed))
		w, h := float64(outW), float64(outH)
		src := []layout.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: w, Y: h}, {X: 0, Y: h}}
		dst := make([]layout.Point, 4)
		for i, p := range src {
			dst[i] = layout.Point{
				X: p.X + (rng.Float64()*2-1)*opts.Perspective*w,
				Y: p.Y + (rng.Float64()*2-1)*opts.Perspective*h,
			}
		}
		// Keep the distorted page inside the output.
		for i := range dst {
			dst[i].X = math.Max(0, math.Min(w, dst[i].X))
			dst[i].Y = math.Max(0, math.Min(h, dst[i].Y))
		}
		var err error
		if d, err = geometry.EstimateHomography(src, dst); err != nil {
			return nil, fmt.Errorf("failed to build perspective: %w", err)
		}
	}

	r := geometry.Identity()
	if opts.Rotate180 {
		r = geometry.Homography{-1, 0, float64(outW), 0, -1, float64(outH), 0, 0, 1}
	}

	truth := r.Mul(d).Mul(t)
	inv, err := truth.Inverse()
	if err != nil {
		return nil, fmt.Errorf("failed to invert capture transform: %w", err)
	}
	// Output pixels map to template units, then onto the canvas.
	toCanvas := geometry.Homography{
		canvasRes, 0, opts.Margin * canvasRes,
		0, canvasRes, opts.Margin * canvasRes,
		0, 0, 1,
	}.Mul(inv)

	out := imaging.Warp(canvas, toCanvas, outW, outH, 1)

	if opts.Shade > 0 || opts.Noise > 0 {
		rng := rand.New(rand.NewPCG(opts.Seed+1, opts.Seed^0xa11ce))
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				v := out.At(x, y) * (1 - opts.Shade*float64(x)/float64(outW))
				if opts.Noise > 0 {
					v += rng.NormFloat64() * opts.Noise
				}
				out.Set(x, y, math.Max(0, math.Min(1, v)))
			}
		}
	}

	return &Capture{Image: out.Gray(), H: truth}, nil
}

// Blank renders tpl without marks at the given scale, for print previews.
func Blank(tpl *layout.Template, scale float64) (*image.Gray, error) {
	c, err := Render(tpl, Sheet{}, Options{Scale: scale})
	if err != nil {
		return nil, err
	}
	return c.Image, nil
}

// paint draws the sheet in template space at canvasRes.
func paint(tpl *layout.Template, sheet Sheet, opts Options) *imaging.Raster {
	w := int(math.Ceil((tpl.Width + 2*opts.Margin) * canvasRes))
	h := int(math.Ceil((tpl.Height + 2*opts.Margin) * canvasRes))
	c := &canvas{r: imaging.NewRaster(w, h), margin: opts.Margin}

	hidden := make(map[layout.Corner]bool)
	for _, corner := range opts.Hide {
		hidden[corner] = true
	}
	for _, m := range tpl.Markers {
		if hidden[m.Corner] {
			continue
		}
		pattern := m.Pattern()
		c.fill(m.Box, 0, func(u, v float64) bool {
			return pattern.InkAt(u-m.Box.X0, v-m.Box.Y0)
		})
	}

	for _, g := range tpl.Groups() {
		for _, b := range g.Bubbles {
			c.ring(b.Rect, opts.OutlineTone)
		}
	}
	if tpl.RollBox != nil {
		c.frame(*tpl.RollBox, opts.OutlineTone)
	}

	for q, opts2 := range sheet.Answers {
		g, ok := tpl.Question(q)
		if !ok {
			continue
		}
		for _, o := range opts2 {
			if i := o.Index(); i >= 0 {
				c.disc(g.Bubbles[i].Rect, opts.FillTone, false)
			}
		}
	}
	for q, o := range sheet.Partial {
		g, ok := tpl.Question(q)
		if !ok {
			continue
		}
		if i := o.Index(); i >= 0 {
			c.disc(g.Bubbles[i].Rect, opts.FillTone, true)
		}
	}
	if tpl.SetCode != nil {
		for _, ch := range strings.ToUpper(sheet.SetCode) {
			if i := omr.Option(string(ch)).Index(); i >= 0 {
				c.disc(tpl.SetCode.Bubbles[i].Rect, opts.FillTone, false)
			}
		}
	}
	c.digits(tpl.Roll, sheet.Roll, opts.FillTone)
	c.digits(tpl.Subject, sheet.Subject, opts.FillTone)
	if tpl.RollBox != nil && sheet.Handwritten != "" {
		c.text(*tpl.RollBox, sheet.Handwritten, opts.FillTone)
	}
	return c.r
}

type canvas struct {
	r      *imaging.Raster
	margin float64
}

// fill paints tone over the pixels of rect where inside holds, with inside
// evaluated at template coordinates.
func (c *canvas) fill(rect layout.Rect, tone float64, inside func(u, v float64) bool) {
	x0 := int(math.Floor((rect.X0 + c.margin) * canvasRes))
	x1 := int(math.Ceil((rect.X1 + c.margin) * canvasRes))
	y0 := int(math.Floor((rect.Y0 + c.margin) * canvasRes))
	y1 := int(math.Ceil((rect.Y1 + c.margin) * canvasRes))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			u := (float64(x)+0.5)/canvasRes - c.margin
			v := (float64(y)+0.5)/canvasRes - c.margin
			if inside(u, v) && c.r.In(x, y) && c.r.At(x, y) > tone {
				c.r.Set(x, y, tone)
			}
		}
	}
}

// ring outlines the bubble inscribed in rect.
func (c *canvas) ring(rect layout.Rect, tone float64) {
	ctr := rect.Center()
	r := rect.Radius()
	c.fill(rect.Inset(-1), tone, func(u, v float64) bool {
		d := math.Hypot(u-ctr.X, v-ctr.Y)
		return math.Abs(d-r) <= 0.6
	})
}

// disc fills the bubble inscribed in rect, or only its left part.
func (c *canvas) disc(rect layout.Rect, tone float64, partial bool) {
	ctr := rect.Center()
	r := rect.Radius() * 0.92
	c.fill(rect, tone, func(u, v float64) bool {
		if partial && u > ctr.X-0.15*rect.Radius() {
			return false
		}
		return math.Hypot(u-ctr.X, v-ctr.Y) <= r
	})
}

// frame outlines rect.
func (c *canvas) frame(rect layout.Rect, tone float64) {
	c.fill(rect, tone, func(u, v float64) bool {
		return u-rect.X0 < 0.8 || rect.X1-u < 0.8 || v-rect.Y0 < 0.8 || rect.Y1-v < 0.8
	})
}

func (c *canvas) digits(groups []layout.Group, value string, tone float64) {
	for i, ch := range value {
		if i >= len(groups) || ch < '0' || ch > '9' {
			continue
		}
		c.disc(groups[i].Bubbles[ch-'0'].Rect, tone, false)
	}
}

// text writes s left-aligned into box, scaling the 7x13 bitmap face to the
// box height.
func (c *canvas) text(box layout.Rect, s string, tone float64) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(s).Ceil()
	h := face.Metrics().Height.Ceil()
	if w == 0 || h == 0 {
		return
	}
	glyphs := image.NewGray(image.Rect(0, 0, w, h))
	d.Dst = glyphs
	d.Src = image.White
	d.Dot = fixed.P(0, face.Metrics().Ascent.Ceil())
	d.DrawString(s)

	inner := box.Inset(4)
	scale := math.Min(inner.Width()/float64(w), inner.Height()/float64(h))
	top := inner.Y0 + (inner.Height()-float64(h)*scale)/2
	c.fill(inner, tone, func(u, v float64) bool {
		gx := int((u - inner.X0) / scale)
		gy := int((v - top) / scale)
		if gx < 0 || gy < 0 || gx >= w || gy >= h {
			return false
		}
		return glyphs.GrayAt(gx, gy).Y > 127
	})
}
