package imaging

import (
	"fmt"
	"image"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"

	"github.com/optimark/omr-engine/internal/omr"
)

// Profile is one set of preprocessing parameters. A job's first attempt uses
// the first profile; each automatic retry moves one profile further along,
// trading fidelity for robustness on poor captures.
type Profile struct {
	Name string `json:"name"`

	// Dropout removes light saturated print before grayscale conversion.
	Dropout bool `json:"dropout"`

	// MedianRadius is the radius of the median de-noise filter in working
	// pixels. Zero disables it.
	MedianRadius float64 `json:"median_radius"`

	// Contrast is passed to imaging.AdjustContrast (-100..100).
	Contrast float64 `json:"contrast"`

	// Gamma is passed to imaging.AdjustGamma; below 1 darkens mid-tones.
	Gamma float64 `json:"gamma"`

	// StretchLow and StretchHigh are the percentiles mapped to black and
	// white by the final histogram stretch.
	StretchLow  float64 `json:"stretch_low"`
	StretchHigh float64 `json:"stretch_high"`
}

// Profiles lists the preprocessing profiles in retry order.
var Profiles = []Profile{
	{Name: "standard", Dropout: true, MedianRadius: 1, Contrast: 0, Gamma: 1, StretchLow: 1, StretchHigh: 99},
	{Name: "high-contrast", Dropout: true, MedianRadius: 1, Contrast: 30, Gamma: 0.9, StretchLow: 2, StretchHigh: 98},
	{Name: "aggressive", Dropout: true, MedianRadius: 2, Contrast: 50, Gamma: 0.8, StretchLow: 5, StretchHigh: 97},
}

// ProfileForAttempt returns the profile used on the given 1-based attempt.
func ProfileForAttempt(attempt int) Profile {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(Profiles) {
		i = len(Profiles) - 1
	}
	return Profiles[i]
}

// ProfileByName looks a profile up by name.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// PreprocessOptions bounds the accepted input and the working resolution.
type PreprocessOptions struct {
	// MinInputSide rejects captures whose shorter side is below it.
	MinInputSide int `json:"min_input_side" mapstructure:"min_input_side"`
	// MinLongSide and MaxLongSide bound the longer side of the working image.
	MinLongSide int `json:"min_long_side" mapstructure:"min_long_side"`
	MaxLongSide int `json:"max_long_side" mapstructure:"max_long_side"`
	// MinGradient rejects near-featureless captures.
	MinGradient float64 `json:"min_gradient" mapstructure:"min_gradient"`
}

// DefaultPreprocessOptions are used when options are left zero.
var DefaultPreprocessOptions = PreprocessOptions{
	MinInputSide: 200,
	MinLongSide:  1000,
	MaxLongSide:  2000,
	MinGradient:  0.002,
}

func (o PreprocessOptions) withDefaults() PreprocessOptions {
	d := DefaultPreprocessOptions
	if o.MinInputSide > 0 {
		d.MinInputSide = o.MinInputSide
	}
	if o.MinLongSide > 0 {
		d.MinLongSide = o.MinLongSide
	}
	if o.MaxLongSide > 0 {
		d.MaxLongSide = o.MaxLongSide
	}
	if o.MinGradient > 0 {
		d.MinGradient = o.MinGradient
	}
	return d
}

// Prepared is the output of Preprocess.
type Prepared struct {
	// Gray is the normalized working raster.
	Gray *Raster
	// Color is the rotated and resized capture, before any tonal change.
	// Review crops and overlays are cut from it.
	Color *image.NRGBA
	// Scale is working pixels per input pixel.
	Scale float64
	// Rotation is the rotation hint that was applied, in degrees.
	Rotation int
	Profile  string
	// DropoutShare is the fraction of pixels removed by colour drop-out.
	DropoutShare float64
	// Paper is the average capture colour as "#RRGGBB".
	Paper string
	// Brightness is the mean luminance of the capture before tonal changes.
	Brightness float64
	Edges      EdgeStats
}

// Preprocess turns a decoded capture into the normalized grayscale raster the
// recognition stages work on. It applies no geometric correction besides the
// rotation hint.
//
// Captures that are empty, too small or featureless fail with
// omr.CodeInvalidImage.
func Preprocess(img image.Image, rotation int, profile Profile, opts PreprocessOptions) (*Prepared, error) {
	opts = opts.withDefaults()
	if img == nil {
		return nil, omr.Errorf(omr.CodeInvalidImage, "no image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, omr.Errorf(omr.CodeInvalidImage, "image is empty")
	}
	if min(b.Dx(), b.Dy()) < opts.MinInputSide {
		return nil, omr.Errorf(omr.CodeInvalidImage, "image %dx%d is smaller than %d px on its short side",
			b.Dx(), b.Dy(), opts.MinInputSide)
	}

	var oriented image.Image
	switch ((rotation % 360) + 360) % 360 {
	case 0:
		oriented = img
	case 90:
		// Hints are clockwise; imaging rotates counter-clockwise.
		oriented = imaging.Rotate270(img)
	case 180:
		oriented = imaging.Rotate180(img)
	case 270:
		oriented = imaging.Rotate90(img)
	default:
		return nil, omr.Errorf(omr.CodeInvalidImage, "unsupported rotation hint %d", rotation)
	}

	ob := oriented.Bounds()
	long := max(ob.Dx(), ob.Dy())
	scale := 1.0
	switch {
	case long > opts.MaxLongSide:
		scale = float64(opts.MaxLongSide) / float64(long)
	case long < opts.MinLongSide:
		scale = float64(opts.MinLongSide) / float64(long)
	}
	var working *image.NRGBA
	if scale == 1 {
		working = imaging.Clone(oriented)
	} else {
		w := int(math.Round(float64(ob.Dx()) * scale))
		h := int(math.Round(float64(ob.Dy()) * scale))
		working = imaging.Resize(oriented, w, h, imaging.Lanczos)
	}

	p := &Prepared{Color: working, Scale: scale, Rotation: rotation, Profile: profile.Name}

	// Sharpness is judged on a thumbnail so the floor does not depend on the
	// capture resolution.
	small := imaging.Fit(working, 400, 400, imaging.Box)
	thumb := RasterFromImage(small)
	p.Edges = MeasureEdges(thumb)
	p.Brightness = thumb.Mean()
	if p.Edges.MeanGradient < opts.MinGradient {
		return nil, omr.Errorf(omr.CodeInvalidImage, "image carries no usable content (mean gradient %.4f)", p.Edges.MeanGradient)
	}
	paper := imaging.Resize(small, 1, 1, imaging.Box).At(0, 0)
	p.Paper = HexColor(paper)

	var toned image.Image = working
	// On tinted paper drop-out would erase the whole sheet.
	if profile.Dropout && !IsDropoutColor(paper) {
		toned, p.DropoutShare = Dropout(working)
	}
	toned = imaging.Grayscale(toned)
	if profile.MedianRadius > 0 {
		toned = effect.Median(toned, profile.MedianRadius)
	}
	if profile.Contrast != 0 {
		toned = imaging.AdjustContrast(toned, profile.Contrast)
	}
	if profile.Gamma > 0 && profile.Gamma != 1 {
		toned = imaging.AdjustGamma(toned, profile.Gamma)
	}

	gray := RasterFromImage(toned)
	Stretch(gray, profile.StretchLow, profile.StretchHigh)
	p.Gray = gray
	return p, nil
}

// Stretch linearly maps the lo-th percentile of r to black and the hi-th
// to white, in place. Rasters with almost no tonal range are left alone.
func Stretch(r *Raster, lo, hi float64) {
	if hi <= lo {
		return
	}
	var hist [256]int
	for _, v := range r.Pix {
		hist[toByte(float64(v))]++
	}
	black := histPercentile(hist[:], len(r.Pix), lo)
	white := histPercentile(hist[:], len(r.Pix), hi)
	if white-black < 0.1 {
		return
	}
	span := float32(white - black)
	for i, v := range r.Pix {
		s := (v - float32(black)) / span
		if s < 0 {
			s = 0
		} else if s > 1 {
			s = 1
		}
		r.Pix[i] = s
	}
}

// String describes p for logs.
func (p *Prepared) String() string {
	return fmt.Sprintf("%dx%d profile=%s scale=%.3f rotation=%d dropout=%.3f paper=%s brightness=%.2f",
		p.Gray.W, p.Gray.H, p.Profile, p.Scale, p.Rotation, p.DropoutShare, p.Paper, p.Brightness)
}
