package ocr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// ErrNoDigits is returned when Tesseract recognized nothing usable.
var ErrNoDigits = errors.New("no digits recognized")

// Options configures a Reader.
type Options struct {
	// Language is the Tesseract language code.
	Language string `mapstructure:"language" json:"language"`
	// TessdataPrefix overrides the directory holding *.traineddata.
	TessdataPrefix string `mapstructure:"tessdata_prefix" json:"tessdata_prefix"`
	// TargetHeight is the glyph box height, in pixels, crops are scaled to.
	TargetHeight int `mapstructure:"target_height" json:"target_height"`
	// Padding is the white border added around the scaled crop.
	Padding int `mapstructure:"padding" json:"padding"`
}

// DefaultOptions are used for fields left zero.
var DefaultOptions = Options{
	Language:     "eng",
	TargetHeight: 48,
	Padding:      16,
}

func (o Options) withDefaults() Options {
	if o.Language == "" {
		o.Language = DefaultOptions.Language
	}
	if o.TargetHeight <= 0 {
		o.TargetHeight = DefaultOptions.TargetHeight
	}
	if o.Padding <= 0 {
		o.Padding = DefaultOptions.Padding
	}
	return o
}

// Result is one recognized roll number.
type Result struct {
	// Text is Tesseract's raw output.
	Text string `json:"text"`
	// Digits is Text with everything but digits removed.
	Digits string `json:"digits"`
	// Confidence is the mean per-symbol confidence, 0..1.
	Confidence float64 `json:"confidence"`
}

// Reader recognizes digit strings.
type Reader struct {
	opts Options
}

// NewReader returns a Reader using opts.
func NewReader(opts Options) *Reader {
	return &Reader{opts: opts.withDefaults()}
}

// Version reports the linked Tesseract version.
func Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}

// ReadDigits recognizes a single line of digits in img, a crop of the
// handwriting field.
func (r *Reader) ReadDigits(img image.Image) (*Result, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	prepared := Prepare(img, r.opts.TargetHeight, r.opts.Padding)

	var buf bytes.Buffer
	if err := png.Encode(&buf, prepared); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if r.opts.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(r.opts.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(r.opts.Language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetWhitelist("0123456789"); err != nil {
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}
	res := &Result{Text: strings.TrimSpace(text), Digits: DigitsOnly(text)}
	if res.Digits == "" {
		return res, ErrNoDigits
	}

	// Bounding boxes only feed the confidence; the text stands without them.
	if boxes, err := client.GetBoundingBoxes(gosseract.RIL_SYMBOL); err == nil {
		res.Confidence = meanConfidence(boxes)
	}
	return res, nil
}

// Prepare converts a handwriting crop into the input Tesseract reads best:
// grayscale, scaled to height pixels, contrast raised and surrounded by pad
// pixels of white.
func Prepare(img image.Image, height, pad int) *image.NRGBA {
	out := imaging.Grayscale(img)
	if b := out.Bounds(); b.Dy() != height && b.Dy() > 0 {
		out = imaging.Resize(out, 0, height, imaging.Lanczos)
	}
	out = imaging.AdjustContrast(out, 20)

	b := out.Bounds()
	canvas := imaging.New(b.Dx()+2*pad, b.Dy()+2*pad, color.White)
	return imaging.Paste(canvas, out, image.Pt(pad, pad))
}

// DigitsOnly strips everything but ASCII digits from s.
func DigitsOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	sum, n := 0.0, 0
	for _, b := range boxes {
		if DigitsOnly(b.Word) == "" {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum/float64(n)) / 100
}
