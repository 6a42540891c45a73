package detection

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/imaging"
)

// rasterWithBlocks returns a white raster with black rectangles.
func rasterWithBlocks(w, h int, blocks ...image.Rectangle) *imaging.Raster {
	r := imaging.NewRaster(w, h)
	for _, b := range blocks {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r.Set(x, y, 0)
			}
		}
	}
	return r
}

func TestBinarize(t *testing.T) {
	r := rasterWithBlocks(100, 100, image.Rect(20, 20, 40, 40))
	b := Binarize(r, 31, 0.15, 0.55)

	assert.True(t, b.At(25, 25))
	assert.True(t, b.At(20, 20))
	assert.False(t, b.At(10, 10))
	assert.False(t, b.At(45, 30))
	assert.False(t, b.At(-1, 5), "outside pixels are paper")
}

func TestBinarizeIgnoresLightGray(t *testing.T) {
	r := imaging.NewRaster(60, 60)
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			r.Set(x, y, 0.7)
		}
	}
	b := Binarize(r, 31, 0.15, 0.55)
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			if b.At(x, y) {
				t.Fatalf("pixel (%d,%d) above the ink ceiling was marked ink", x, y)
			}
		}
	}
}

func TestBinarizeUnevenLighting(t *testing.T) {
	r := imaging.NewRaster(200, 60)
	// Paper fades from white to mid gray; a block on the dark side is still
	// darker than its neighbourhood.
	for y := 0; y < 60; y++ {
		for x := 0; x < 200; x++ {
			r.Set(x, y, 1-0.4*float64(x)/200)
		}
	}
	for y := 20; y < 40; y++ {
		for x := 160; x < 180; x++ {
			r.Set(x, y, 0.1)
		}
	}
	b := Binarize(r, 41, 0.15, 0.55)
	assert.True(t, b.At(170, 30))
	assert.False(t, b.At(120, 30))
	assert.False(t, b.At(190, 5))
}

func TestFindComponents(t *testing.T) {
	r := rasterWithBlocks(120, 80,
		image.Rect(10, 10, 40, 30), // 600 px
		image.Rect(60, 10, 70, 20), // 100 px
		image.Rect(90, 50, 92, 52), // 4 px
	)
	b := Binarize(r, 61, 0.15, 0.55)

	comps := FindComponents(b, image.Rect(0, 0, 120, 80), 10)
	require.Len(t, comps, 2)

	assert.Equal(t, image.Rect(10, 10, 40, 30), comps[0].Box)
	assert.Equal(t, 600, comps[0].Pixels)
	assert.InDelta(t, 1.0, comps[0].Fill(), 1e-9)
	assert.Equal(t, image.Rect(60, 10, 70, 20), comps[1].Box)

	// Extremes of a solid rectangle are its corners.
	assert.Equal(t, [4]image.Point{{10, 10}, {40, 10}, {40, 30}, {10, 30}}, comps[0].Extremes)
}

func TestFindComponentsClipsToRect(t *testing.T) {
	r := rasterWithBlocks(100, 100, image.Rect(10, 10, 60, 20))
	b := Binarize(r, 51, 0.15, 0.55)

	comps := FindComponents(b, image.Rect(0, 0, 30, 30), 1)
	require.Len(t, comps, 1)
	assert.Equal(t, image.Rect(10, 10, 30, 20), comps[0].Box)

	assert.Empty(t, FindComponents(b, image.Rect(200, 200, 300, 300), 1))
}

func TestFindComponentsDiagonalConnectivity(t *testing.T) {
	r := imaging.NewRaster(20, 20)
	for i := 2; i < 12; i++ {
		r.Set(i, i, 0)
	}
	b := Binarize(r, 15, 0.15, 0.55)

	comps := FindComponents(b, image.Rect(0, 0, 20, 20), 1)
	require.Len(t, comps, 1, "diagonal pixels are 8-connected")
	assert.Equal(t, 10, comps[0].Pixels)
}

func TestComponentFillEmptyBox(t *testing.T) {
	assert.Equal(t, 0.0, Component{}.Fill())
}
