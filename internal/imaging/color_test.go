package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDropoutColor(t *testing.T) {
	tests := []struct {
		name string
		c    color.Color
		want bool
	}{
		{"light blue print", color.RGBA{120, 170, 240, 255}, true},
		{"light red print", color.RGBA{240, 130, 130, 255}, true},
		{"white paper", color.RGBA{250, 250, 250, 255}, false},
		{"graphite", color.RGBA{70, 70, 75, 255}, false},
		{"dark blue ballpoint", color.RGBA{20, 30, 110, 255}, false},
		{"black ink", color.RGBA{0, 0, 0, 255}, false},
		{"light gray", color.RGBA{190, 190, 190, 255}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDropoutColor(tt.c))
		})
	}
}

func TestDropout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 1))
	img.Set(0, 0, color.RGBA{120, 170, 240, 255})
	img.Set(1, 0, color.RGBA{0, 0, 0, 255})
	img.Set(2, 0, color.RGBA{255, 255, 255, 255})
	img.Set(3, 0, color.RGBA{120, 170, 240, 255})

	out, share := Dropout(img)
	assert.InDelta(t, 0.5, share, 1e-9)
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, out.NRGBAAt(1, 0))
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, out.NRGBAAt(3, 0))

	// The input is not modified.
	assert.Equal(t, color.RGBA{120, 170, 240, 255}, img.RGBAAt(0, 0))
}

func TestHexColor(t *testing.T) {
	assert.Equal(t, "#ff8000", HexColor(color.RGBA{255, 128, 0, 255}))
}
