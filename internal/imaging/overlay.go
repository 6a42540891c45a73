package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"github.com/optimark/omr-engine/internal/layout"
)

// Canvas is an RGBA copy of a capture that annotation marks are drawn on.
type Canvas struct {
	img *image.RGBA
}

// NewCanvas copies img onto a new canvas with bounds starting at (0,0).
func NewCanvas(img image.Image) *Canvas {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Canvas{img: dst}
}

// Image returns the annotated image.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// blend paints one pixel with alpha compositing.
func (c *Canvas) blend(x, y int, col color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(c.img.Bounds())) {
		return
	}
	if col.A == 255 {
		c.img.SetRGBA(x, y, col)
		return
	}
	under := c.img.RGBAAt(x, y)
	a := uint32(col.A)
	mix := func(top, bottom uint8) uint8 {
		return uint8((uint32(top)*a + uint32(bottom)*(255-a)) / 255)
	}
	c.img.SetRGBA(x, y, color.RGBA{
		R: mix(col.R, under.R),
		G: mix(col.G, under.G),
		B: mix(col.B, under.B),
		A: 255,
	})
}

// Line draws a line of the given width between two continuous positions.
func (c *Canvas) Line(a, b layout.Point, width int, col color.RGBA) {
	steps := int(math.Ceil(math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))))
	if steps == 0 {
		steps = 1
	}
	half := width / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(a.X + (b.X-a.X)*t)
		y := int(a.Y + (b.Y-a.Y)*t)
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				c.blend(x+dx, y+dy, col)
			}
		}
	}
}

// Polygon outlines the closed polygon pts.
func (c *Canvas) Polygon(pts []layout.Point, width int, col color.RGBA) {
	for i := range pts {
		c.Line(pts[i], pts[(i+1)%len(pts)], width, col)
	}
}

// Ring draws a circle outline around centre p.
func (c *Canvas) Ring(p layout.Point, r float64, width int, col color.RGBA) {
	n := max(16, int(2*math.Pi*r))
	prev := layout.Point{X: p.X + r, Y: p.Y}
	for i := 1; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		next := layout.Point{X: p.X + r*math.Cos(a), Y: p.Y + r*math.Sin(a)}
		c.Line(prev, next, width, col)
		prev = next
	}
}

// Disc fills a circle around centre p.
func (c *Canvas) Disc(p layout.Point, r float64, col color.RGBA) {
	x0, x1 := int(math.Floor(p.X-r)), int(math.Ceil(p.X+r))
	y0, y1 := int(math.Floor(p.Y-r)), int(math.Ceil(p.Y+r))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := float64(x)+0.5-p.X, float64(y)+0.5-p.Y
			if dx*dx+dy*dy <= r*r {
				c.blend(x, y, col)
			}
		}
	}
}

// Label draws text with a background box at (x, y), scaled by an integer
// factor.
func (c *Canvas) Label(x, y int, text string, scale int, fg, bg color.RGBA) {
	drawLabel(c, x, y, text, max(1, scale), fg, bg)
}

// EncodePNG returns the canvas as base64 PNG.
func (c *Canvas) EncodePNG() (string, error) {
	return EncodePNG(c.img)
}

// ParseHexColor parses a hex color string like "#FF0000" or "#FF000080".
func ParseHexColor(hex string) (color.RGBA, error) {
	if len(hex) == 0 {
		return color.RGBA{}, fmt.Errorf("empty color string")
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}

	var r, g, b, a uint8 = 0, 0, 0, 255

	switch len(hex) {
	case 6:
		val, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, err
		}
		r = uint8(val >> 16)
		g = uint8(val >> 8)
		b = uint8(val)
	case 8:
		val, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, err
		}
		r = uint8(val >> 24)
		g = uint8(val >> 16)
		b = uint8(val >> 8)
		a = uint8(val)
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color length")
	}

	return color.RGBA{R: r, G: g, B: b, A: a}, nil
}

// Simple 3x5 pixel font for question numbers, option letters and marks.
var glyphs = map[rune][]string{
	'0': {"111", "101", "101", "101", "111"},
	'1': {"010", "110", "010", "010", "111"},
	'2': {"111", "001", "111", "100", "111"},
	'3': {"111", "001", "111", "001", "111"},
	'4': {"101", "101", "111", "001", "001"},
	'5': {"111", "100", "111", "001", "111"},
	'6': {"111", "100", "111", "101", "111"},
	'7': {"111", "001", "001", "001", "001"},
	'8': {"111", "101", "111", "101", "111"},
	'9': {"111", "101", "111", "001", "111"},
	'A': {"010", "101", "111", "101", "101"},
	'B': {"110", "101", "110", "101", "110"},
	'C': {"011", "100", "100", "100", "011"},
	'D': {"110", "101", "101", "101", "110"},
	'?': {"111", "001", "010", "000", "010"},
	'-': {"000", "000", "111", "000", "000"},
	'.': {"000", "000", "000", "000", "010"},
	'%': {"101", "001", "010", "100", "101"},
	'/': {"001", "001", "010", "100", "100"},
	',': {"000", "000", "000", "010", "010"},
}

// drawLabel draws a simple text label at the given position.
func drawLabel(c *Canvas, x, y int, text string, scale int, fg, bg color.RGBA) {
	charWidth := 4 * scale
	labelWidth := len(text) * charWidth
	labelHeight := 7 * scale

	// Draw background
	for dy := -scale; dy < labelHeight; dy++ {
		for dx := -scale; dx < labelWidth; dx++ {
			c.blend(x+dx, y+dy, bg)
		}
	}

	// Draw text
	cx := x
	for _, ch := range text {
		glyph, ok := glyphs[ch]
		if !ok {
			cx += charWidth
			continue
		}
		for row, line := range glyph {
			for col, pixel := range line {
				if pixel != '1' {
					continue
				}
				for sy := 0; sy < scale; sy++ {
					for sx := 0; sx < scale; sx++ {
						c.blend(cx+col*scale+sx, y+row*scale+sy, fg)
					}
				}
			}
		}
		cx += charWidth
	}
}
