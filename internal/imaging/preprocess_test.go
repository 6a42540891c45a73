package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/omr"
)

// sheetLike draws dark blocks in a regular pattern on white paper, with a
// light blue guide line across the middle.
func sheetLike(w, h int) *image.RGBA {
	img := createInMemoryImage(w, h, color.White)
	black := image.NewUniform(color.Black)
	for y := 20; y+30 < h; y += 80 {
		for x := 20; x+30 < w; x += 80 {
			draw.Draw(img, image.Rect(x, y, x+30, y+30), black, image.Point{}, draw.Src)
		}
	}
	blue := image.NewUniform(color.RGBA{120, 170, 240, 255})
	draw.Draw(img, image.Rect(0, h/2-3, w, h/2+3), blue, image.Point{}, draw.Src)
	return img
}

var fastProfile = Profile{Name: "test", Dropout: true, StretchLow: 1, StretchHigh: 99}

func TestPreprocess_RejectsUnusableInput(t *testing.T) {
	tests := []struct {
		name     string
		img      image.Image
		rotation int
	}{
		{"nil", nil, 0},
		{"empty", image.NewRGBA(image.Rect(0, 0, 0, 0)), 0},
		{"too small", sheetLike(100, 150), 0},
		{"blank page", createInMemoryImage(600, 800, color.White), 0},
		{"bad rotation", sheetLike(600, 800), 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Preprocess(tt.img, tt.rotation, fastProfile, PreprocessOptions{})
			require.Error(t, err)
			assert.Equal(t, omr.CodeInvalidImage, omr.CodeOf(err))
			assert.False(t, omr.AsError(err).Retryable())
		})
	}
}

func TestPreprocess_ResizesIntoWorkingBand(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		wantW      int
		wantH      int
		wantScaled bool
	}{
		{"upscale", 500, 700, 714, 1000, true},
		{"in band", 900, 1200, 900, 1200, false},
		{"downscale", 1500, 3000, 1000, 2000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Preprocess(sheetLike(tt.w, tt.h), 0, fastProfile, PreprocessOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, p.Gray.W)
			assert.Equal(t, tt.wantH, p.Gray.H)
			assert.Equal(t, tt.wantScaled, p.Scale != 1)
			assert.Equal(t, p.Gray.W, p.Color.Bounds().Dx())
		})
	}
}

func TestPreprocess_RotationHint(t *testing.T) {
	src := sheetLike(1200, 900)
	// Mark the top-left corner so the rotation direction is observable.
	draw.Draw(src, image.Rect(0, 0, 10, 10), image.NewUniform(color.Black), image.Point{}, draw.Src)

	p, err := Preprocess(src, 90, fastProfile, PreprocessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 900, p.Gray.W)
	assert.Equal(t, 1200, p.Gray.H)
	// Turning clockwise moves the top-left corner to the top-right.
	assert.Less(t, p.Gray.At(p.Gray.W-3, 3), 0.2)
	assert.Greater(t, p.Gray.At(3, 3), 0.8)
}

func TestPreprocess_DropoutAndContrast(t *testing.T) {
	p, err := Preprocess(sheetLike(900, 1200), 0, fastProfile, PreprocessOptions{})
	require.NoError(t, err)

	// Guide line removed, blocks kept dark, paper white.
	assert.Greater(t, p.Gray.At(5, 600), 0.9)
	assert.Less(t, p.Gray.At(35, 35), 0.1)
	assert.Greater(t, p.Gray.At(70, 70), 0.9)
	assert.Greater(t, p.DropoutShare, 0.0)

	noDrop := fastProfile
	noDrop.Dropout = false
	q, err := Preprocess(sheetLike(900, 1200), 0, noDrop, PreprocessOptions{})
	require.NoError(t, err)
	assert.Less(t, q.Gray.At(5, 600), 0.9)
}

func TestPreprocess_TintedPaperKeepsSheet(t *testing.T) {
	tint := color.RGBA{120, 170, 240, 255}
	img := createInMemoryImage(900, 1200, tint)
	black := image.NewUniform(color.Black)
	for y := 20; y+10 < 1200; y += 80 {
		for x := 20; x+10 < 900; x += 80 {
			draw.Draw(img, image.Rect(x, y, x+10, y+10), black, image.Point{}, draw.Src)
		}
	}

	p, err := Preprocess(img, 0, fastProfile, PreprocessOptions{})
	require.NoError(t, err)
	assert.Zero(t, p.DropoutShare)
	assert.NotEqual(t, "#ffffff", p.Paper)
	assert.Less(t, p.Gray.At(25, 25), 0.1)
	assert.Greater(t, p.Gray.At(60, 60), 0.9)
}

func TestPreprocess_StandardProfile(t *testing.T) {
	p, err := Preprocess(sheetLike(900, 1200), 0, ProfileForAttempt(1), PreprocessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "standard", p.Profile)
	assert.Less(t, p.Gray.At(35, 35), 0.1)
	assert.Contains(t, p.String(), "profile=standard")
	assert.Greater(t, p.Brightness, 0.7)
}

func TestProfileForAttempt(t *testing.T) {
	assert.Equal(t, "standard", ProfileForAttempt(0).Name)
	assert.Equal(t, "standard", ProfileForAttempt(1).Name)
	assert.Equal(t, "high-contrast", ProfileForAttempt(2).Name)
	assert.Equal(t, "aggressive", ProfileForAttempt(3).Name)
	assert.Equal(t, "aggressive", ProfileForAttempt(7).Name)

	p, ok := ProfileByName("high-contrast")
	assert.True(t, ok)
	assert.Equal(t, 30.0, p.Contrast)
	_, ok = ProfileByName("nope")
	assert.False(t, ok)
}
