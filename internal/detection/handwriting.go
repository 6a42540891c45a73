package detection

import (
	"image"
	"math"

	"github.com/optimark/omr-engine/internal/imaging"
)

// InkRegion summarizes the handwriting found inside a field.
type InkRegion struct {
	// Bounds encloses every stroke; empty when Strokes is zero.
	Bounds image.Rectangle `json:"bounds"`
	// Strokes is the number of connected ink components kept.
	Strokes int `json:"strokes"`
	// Density is the share of the field covered by stroke pixels.
	Density float64 `json:"density"`
}

// Empty reports whether no handwriting was found.
func (r InkRegion) Empty() bool {
	return r.Strokes == 0
}

// FindInk locates handwriting inside field of a preprocessed capture.
// Components touching a band of border pixels along the field edge are the
// printed box outline and are ignored, as are specks below minPixels.
func FindInk(gray *imaging.Raster, field image.Rectangle, border, minPixels int) InkRegion {
	field = field.Intersect(image.Rect(0, 0, gray.W, gray.H))
	if field.Empty() {
		return InkRegion{}
	}
	window := max(15, min(field.Dx(), field.Dy()))
	bin := Binarize(gray, window, DefaultOptions.BinarizeT, DefaultOptions.InkCeiling)
	inner := field.Inset(border)

	var out InkRegion
	pixels := 0
	for _, c := range FindComponents(bin, field, max(1, minPixels)) {
		if !c.Box.In(inner) {
			continue
		}
		if out.Strokes == 0 {
			out.Bounds = c.Box
		} else {
			out.Bounds = out.Bounds.Union(c.Box)
		}
		out.Strokes++
		pixels += c.Pixels
	}
	if area := field.Dx() * field.Dy(); area > 0 {
		out.Density = math.Round(float64(pixels)/float64(area)*1000) / 1000
	}
	return out
}
