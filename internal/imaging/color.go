package imaging

import (
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Drop-out thresholds in HCL space. Sheets print their guide lines, bubble
// outlines and labels in a light saturated blue or red; pencil and pen fills
// are dark or unsaturated and survive.
const (
	dropoutMinChroma    = 0.22
	dropoutMinLightness = 0.55
)

var (
	dropoutOnce sync.Once
	// dropoutLUT is indexed by 5-bit quantized RGB (15 bits total).
	dropoutLUT [1 << 15]bool
)

func buildDropoutLUT() {
	for i := range dropoutLUT {
		r := uint8((i>>10)&31)<<3 | 4
		g := uint8((i>>5)&31)<<3 | 4
		b := uint8(i&31)<<3 | 4
		c := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
		_, chroma, l := c.Hcl()
		dropoutLUT[i] = chroma >= dropoutMinChroma && l >= dropoutMinLightness
	}
}

// IsDropoutColor reports whether c is light, saturated print that the
// preprocessor removes before binarisation.
func IsDropoutColor(c color.Color) bool {
	dropoutOnce.Do(buildDropoutLUT)
	r, g, b, _ := c.RGBA()
	return dropoutLUT[(r>>11)<<10|(g>>11)<<5|(b>>11)]
}

// Dropout returns a copy of img with every drop-out colour replaced by white.
// It also reports the share of pixels that were replaced.
func Dropout(img image.Image) (*image.NRGBA, float64) {
	dropoutOnce.Do(buildDropoutLUT)

	out := imaging.Clone(img)
	replaced := 0
	for i := 0; i+3 < len(out.Pix); i += 4 {
		idx := int(out.Pix[i]>>3)<<10 | int(out.Pix[i+1]>>3)<<5 | int(out.Pix[i+2]>>3)
		if dropoutLUT[idx] {
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = 255, 255, 255
			replaced++
		}
	}
	total := len(out.Pix) / 4
	if total == 0 {
		return out, 0
	}
	return out, float64(replaced) / float64(total)
}

// HexColor formats c as "#RRGGBB".
func HexColor(c color.Color) string {
	cf, _ := colorful.MakeColor(c)
	return cf.Hex()
}
