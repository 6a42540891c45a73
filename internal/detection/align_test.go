package detection

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/synth"
)

func testTemplate(t *testing.T) *layout.Template {
	t.Helper()
	tpl, err := layout.Generate(layout.Spec{QuestionCount: 50})
	require.NoError(t, err)
	return tpl
}

func render(t *testing.T, tpl *layout.Template, opts synth.Options) (*imaging.Raster, *synth.Capture) {
	t.Helper()
	c, err := synth.Render(tpl, synth.Sheet{}, opts)
	require.NoError(t, err)
	return imaging.RasterFromImage(c.Image), c
}

// assertProjects checks that the alignment maps every bubble centre within
// tol pixels of where the capture put it.
func assertProjects(t *testing.T, tpl *layout.Template, a *Alignment, truth *synth.Capture, tol float64) {
	t.Helper()
	worst := 0.0
	for _, g := range tpl.Groups() {
		for _, b := range g.Bubbles {
			want := truth.H.Apply(b.Rect.Center())
			got := a.Project(b.Rect.Center())
			worst = math.Max(worst, math.Hypot(want.X-got.X, want.Y-got.Y))
		}
	}
	assert.Less(t, worst, tol, "worst bubble projection error")
}

func TestLocateUpright(t *testing.T) {
	tpl := testTemplate(t)
	gray, truth := render(t, tpl, synth.Options{})

	a, err := Locate(gray, tpl, Options{})
	require.NoError(t, err)

	assert.Equal(t, Upright, a.Orientation)
	assert.False(t, a.Recovered)
	require.Len(t, a.Markers, 4)
	for _, m := range a.Markers {
		assert.Equal(t, m.Corner, m.ImageCorner)
		assert.Greater(t, m.Fit, 0.8, "fit of %s", m.Corner)
	}
	assert.Greater(t, a.Confidence, 0.75)
	assert.InDelta(t, 1.4, a.PixelsPerUnit, 0.1)
	assertProjects(t, tpl, a, truth, 2)

	// Inverse maps back to template units.
	p := a.Inverse.Apply(a.Project(layout.Point{X: 300, Y: 500}))
	assert.InDelta(t, 300, p.X, 1e-6)
	assert.InDelta(t, 500, p.Y, 1e-6)
}

func TestLocateRotated180(t *testing.T) {
	tpl := testTemplate(t)
	gray, truth := render(t, tpl, synth.Options{Rotate180: true})

	a, err := Locate(gray, tpl, Options{})
	require.NoError(t, err)

	assert.Equal(t, Rotated180, a.Orientation)
	require.Len(t, a.Markers, 4)
	for _, m := range a.Markers {
		assert.Equal(t, m.Corner.Opposite(), m.ImageCorner)
	}
	assertProjects(t, tpl, a, truth, 2)

	// The template's top-left lands in the image's bottom-right.
	tl := a.Project(tpl.Marker(layout.TopLeft).Center())
	assert.Greater(t, tl.X, float64(gray.W)/2)
	assert.Greater(t, tl.Y, float64(gray.H)/2)
}

func TestLocatePerspective(t *testing.T) {
	tpl := testTemplate(t)
	for _, seed := range []uint64{1, 2, 3} {
		gray, truth := render(t, tpl, synth.Options{Perspective: 0.025, Seed: seed})

		a, err := Locate(gray, tpl, Options{})
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, Upright, a.Orientation)
		assert.False(t, a.Recovered)
		assert.Greater(t, a.Confidence, 0.6, "seed %d", seed)
		assertProjects(t, tpl, a, truth, 3)
	}
}

func TestLocateNoisyShadedCapture(t *testing.T) {
	tpl := testTemplate(t)
	gray, truth := render(t, tpl, synth.Options{Noise: 0.04, Shade: 0.3, Seed: 7})

	a, err := Locate(gray, tpl, Options{})
	require.NoError(t, err)
	assert.Len(t, a.Markers, 4)
	assertProjects(t, tpl, a, truth, 2.5)
}

func TestLocateRecoversMissingMarker(t *testing.T) {
	tpl := testTemplate(t)
	for _, hidden := range layout.Corners {
		gray, truth := render(t, tpl, synth.Options{Hide: []layout.Corner{hidden}})

		a, err := Locate(gray, tpl, Options{})
		require.NoError(t, err, "hidden %s", hidden)
		assert.True(t, a.Recovered)
		assert.Equal(t, Upright, a.Orientation, "hidden %s", hidden)
		require.Len(t, a.Markers, 4)

		var synthesized []layout.Corner
		for _, m := range a.Markers {
			if m.Synthesized {
				synthesized = append(synthesized, m.Corner)
				assert.Equal(t, image.Rectangle{}, m.Box)
			}
		}
		assert.Equal(t, []layout.Corner{hidden}, synthesized)
		assert.LessOrEqual(t, a.Confidence, DefaultOptions.RecoveryPenalty)
		assertProjects(t, tpl, a, truth, 2)
	}
}

func TestLocateRecoveryOnRotatedCapture(t *testing.T) {
	tpl := testTemplate(t)
	gray, truth := render(t, tpl, synth.Options{Rotate180: true, Hide: []layout.Corner{layout.TopRight}})

	a, err := Locate(gray, tpl, Options{})
	require.NoError(t, err)
	assert.Equal(t, Rotated180, a.Orientation)
	assert.True(t, a.Recovered)
	assertProjects(t, tpl, a, truth, 2)
}

func TestLocateFailures(t *testing.T) {
	tpl := testTemplate(t)

	t.Run("blank page", func(t *testing.T) {
		_, err := Locate(imaging.NewRaster(800, 1100), tpl, Options{})
		require.Error(t, err)
		assert.Equal(t, omr.CodeAlignmentFailed, omr.CodeOf(err))
	})

	t.Run("two markers", func(t *testing.T) {
		gray, _ := render(t, tpl, synth.Options{Hide: []layout.Corner{layout.TopLeft, layout.BottomRight}})
		_, err := Locate(gray, tpl, Options{})
		require.Error(t, err)
		assert.Equal(t, omr.CodeAlignmentFailed, omr.CodeOf(err))
		assert.Contains(t, err.Error(), "of 4 corner markers")
	})

	t.Run("empty raster", func(t *testing.T) {
		_, err := Locate(&imaging.Raster{}, tpl, Options{})
		assert.Equal(t, omr.CodeAlignmentFailed, omr.CodeOf(err))
	})
}

func TestMarkerFitDistinguishesArtwork(t *testing.T) {
	// Each pattern fits itself perfectly and the other patterns poorly.
	for _, c := range layout.Corners {
		self := referenceFor(c, false)
		assert.InDelta(t, 1.0, fitScore(self, self), 1e-9)
		for _, o := range layout.Corners {
			if o == c {
				continue
			}
			// Turned 180°, the top-right artwork is the bottom-left one.
			if (c == layout.TopRight && o == layout.BottomLeft) || (c == layout.BottomLeft && o == layout.TopRight) {
				assert.InDelta(t, 1.0, fitScore(self, referenceFor(o, true)), 1e-9)
			}
			assert.Less(t, fitScore(self, referenceFor(o, false)), 0.8, "%s vs %s", c, o)
		}
	}
}

func TestSearchWindow(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 25, 50), searchWindow(100, 200, 0.25, layout.TopLeft))
	assert.Equal(t, image.Rect(75, 0, 100, 50), searchWindow(100, 200, 0.25, layout.TopRight))
	assert.Equal(t, image.Rect(75, 150, 100, 200), searchWindow(100, 200, 0.25, layout.BottomRight))
	assert.Equal(t, image.Rect(0, 150, 25, 200), searchWindow(100, 200, 0.25, layout.BottomLeft))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{MinFit: 0.8}.withDefaults()
	assert.Equal(t, 0.8, o.MinFit)
	assert.Equal(t, DefaultOptions.SearchWindow, o.SearchWindow)
	assert.Equal(t, DefaultOptions.RecoveryPenalty, o.RecoveryPenalty)
}

func TestRectifyRollBox(t *testing.T) {
	tpl := testTemplate(t)
	for _, rotated := range []bool{false, true} {
		c, err := synth.Render(tpl, synth.Sheet{Handwritten: "3141"}, synth.Options{Rotate180: rotated})
		require.NoError(t, err)
		gray := imaging.RasterFromImage(c.Image)
		a, err := Locate(gray, tpl, Options{})
		require.NoError(t, err)

		box := a.Rectify(gray, *tpl.RollBox, 3)
		assert.Equal(t, int(math.Round(tpl.RollBox.Width()*3)), box.W)

		ink := FindInk(box, image.Rect(0, 0, box.W, box.H), 6, 4)
		require.False(t, ink.Empty(), "rotated=%v", rotated)
		// The number is written from the left edge of the box.
		assert.Less(t, ink.Bounds.Max.X, box.W*6/10, "rotated=%v", rotated)
	}
}
