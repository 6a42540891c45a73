// Package pipeline runs one captured sheet through the recognition stages:
// preprocess, align, sample and score. Cancellation is cooperative and only
// observed between stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/optimark/omr-engine/internal/bubble"
	"github.com/optimark/omr-engine/internal/detection"
	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/ocr"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/scoring"
)

// Stage names one step of a scan.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageAlign      Stage = "align"
	StageSample     Stage = "sample"
	StageScore      Stage = "score"
)

// Stages lists the stages in the order they run.
var Stages = []Stage{StagePreprocess, StageAlign, StageSample, StageScore}

// Capture is one photographed or scanned sheet. Either Image or Data is set.
type Capture struct {
	Image image.Image
	Data  []byte
	// Rotation is a clockwise hint in degrees: 0, 90, 180 or 270.
	Rotation  int
	SourceKey string
}

// RollReader recognizes a handwritten digit string. *ocr.Reader implements
// it.
type RollReader interface {
	ReadDigits(img image.Image) (*ocr.Result, error)
}

// Options holds every recognition threshold.
type Options struct {
	Preprocess imaging.PreprocessOptions `json:"preprocess" mapstructure:"preprocess"`
	Align      detection.Options         `json:"align" mapstructure:"align"`
	Bubble     bubble.Options            `json:"bubble" mapstructure:"bubble"`
	// MinConfidence is the alignment confidence below which a sheet goes to
	// manual review instead of being scored.
	MinConfidence float64 `json:"min_confidence" mapstructure:"min_confidence"`
	// Profile forces a preprocessing profile by name instead of picking one
	// by attempt.
	Profile string `json:"profile,omitempty" mapstructure:"profile"`
	// OCRMinConfidence is the lowest confidence a handwritten roll number
	// is accepted with.
	OCRMinConfidence float64 `json:"ocr_min_confidence" mapstructure:"ocr_min_confidence"`
}

// DefaultOptions are the production thresholds.
var DefaultOptions = Options{
	Preprocess:       imaging.DefaultPreprocessOptions,
	Align:            detection.DefaultOptions,
	Bubble:           bubble.DefaultOptions,
	MinConfidence:    0.6,
	OCRMinConfidence: 0.6,
}

// Request is one scan.
type Request struct {
	Exam     *scoring.Exam
	Template *layout.Template
	Capture  Capture
	// SetOverride replaces the set-code bubbles when non-empty.
	SetOverride string
	// Attempt is the 1-based attempt number; it picks the preprocessing
	// profile.
	Attempt int
	// Checkpoint runs before every stage; a non-nil error cancels the scan.
	Checkpoint func(Stage) error
}

// Timing records how long a stage took.
type Timing struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// RollSource tells where a student identifier came from.
type RollSource string

const (
	RollNone        RollSource = ""
	RollBubbles     RollSource = "bubbles"
	RollHandwriting RollSource = "handwriting"
)

// Outcome is everything a scan produced. A failed scan still carries the
// stages it finished, for review crops and overlays.
type Outcome struct {
	Result     *scoring.SheetResultDetail
	Prepared   *imaging.Prepared
	Alignment  *detection.Alignment
	Reading    *bubble.Reading
	RollSource RollSource
	// Handwriting is the OCR result when the roll box was read.
	Handwriting *ocr.Result
	Timings     []Timing
}

// Engine runs scans. It holds no per-scan state and is safe for concurrent
// use.
type Engine struct {
	opts   Options
	roll   RollReader
	logger *log.Logger
}

// New returns an Engine. roll may be nil, which disables the handwriting
// fallback.
func New(opts Options, roll RollReader, logger *log.Logger) *Engine {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultOptions.MinConfidence
	}
	if opts.OCRMinConfidence <= 0 {
		opts.OCRMinConfidence = DefaultOptions.OCRMinConfidence
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{opts: opts, roll: roll, logger: logger}
}

// Options returns the engine's thresholds.
func (e *Engine) Options() Options {
	return e.opts
}

// Scan runs req through every stage. Errors are *omr.Error values carrying
// the failure class.
func (e *Engine) Scan(ctx context.Context, req Request) (*Outcome, error) {
	if req.Exam == nil || req.Template == nil {
		return nil, omr.Errorf(omr.CodeInternal, "scan request without exam or template")
	}
	out := &Outcome{}
	run := func(stage Stage, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return omr.Wrap(omr.CodeCanceled, err, fmt.Sprintf("canceled before %s", stage))
		}
		if req.Checkpoint != nil {
			if err := req.Checkpoint(stage); err != nil {
				return omr.Wrap(omr.CodeCanceled, err, fmt.Sprintf("canceled before %s", stage))
			}
		}
		start := time.Now()
		err := fn()
		out.Timings = append(out.Timings, Timing{Stage: stage, Duration: time.Since(start)})
		return err
	}

	if err := run(StagePreprocess, func() error { return e.preprocess(req, out) }); err != nil {
		return out, err
	}
	if err := run(StageAlign, func() error { return e.align(req, out) }); err != nil {
		return out, err
	}
	var sheet scoring.Sheet
	if err := run(StageSample, func() error {
		sheet = e.sample(req, out)
		return nil
	}); err != nil {
		return out, err
	}
	err := run(StageScore, func() error {
		res, err := scoring.Score(req.Exam, sheet)
		if err != nil {
			var classified *omr.Error
			if errors.As(err, &classified) {
				return err
			}
			return omr.Wrap(omr.CodeInternal, err, "scoring failed")
		}
		out.Result = res
		return nil
	})
	return out, err
}

func (e *Engine) preprocess(req Request, out *Outcome) error {
	img := req.Capture.Image
	if img == nil {
		decoded, err := imaging.Decode(req.Capture.Data)
		if err != nil {
			return omr.Wrap(omr.CodeInvalidImage, err, "unreadable capture")
		}
		img = decoded
	}
	profile := imaging.ProfileForAttempt(req.Attempt)
	if e.opts.Profile != "" {
		p, ok := imaging.ProfileByName(e.opts.Profile)
		if !ok {
			return omr.Errorf(omr.CodeInternal, "unknown preprocessing profile %q", e.opts.Profile)
		}
		profile = p
	}
	prep, err := imaging.Preprocess(img, req.Capture.Rotation, profile, e.opts.Preprocess)
	if err != nil {
		return err
	}
	out.Prepared = prep
	return nil
}

func (e *Engine) align(req Request, out *Outcome) error {
	a, err := detection.Locate(out.Prepared.Gray, req.Template, e.opts.Align)
	if err != nil {
		return err
	}
	out.Alignment = a
	if a.Confidence < e.opts.MinConfidence {
		return omr.Errorf(omr.CodeLowConfidence, "alignment confidence %.2f below %.2f", a.Confidence, e.opts.MinConfidence)
	}
	return nil
}

func (e *Engine) sample(req Request, out *Outcome) scoring.Sheet {
	gray := out.Prepared.Gray
	reading := bubble.NewSampler(gray, out.Alignment.H, e.opts.Bubble).Read(req.Template)
	out.Reading = reading

	sheet := scoring.Sheet{
		Reading:     reading,
		SetOverride: req.SetOverride,
		Confidence:  out.Alignment.Confidence,
	}
	if roll, ok := bubble.Digits(reading.Roll); ok {
		sheet.StudentIdentifier = roll
		out.RollSource = RollBubbles
	} else if roll := e.readHandwriting(req, out); roll != "" {
		sheet.StudentIdentifier = roll
		out.RollSource = RollHandwriting
	}
	if subject, ok := bubble.Digits(reading.Subject); ok {
		sheet.SubjectCode = subject
	}
	return sheet
}

// Handwriting is rectified at this many pixels per template unit.
const handwritingRes = 3.0

// readHandwriting returns the roll number written in the roll box, or "" when
// there is no reader, no box, no writing or no confident reading.
func (e *Engine) readHandwriting(req Request, out *Outcome) string {
	box := req.Template.RollBox
	if e.roll == nil || box == nil {
		return ""
	}
	field := out.Alignment.Rectify(out.Prepared.Gray, *box, handwritingRes)
	ink := detection.FindInk(field, image.Rect(0, 0, field.W, field.H), int(2*handwritingRes), 4)
	if ink.Empty() {
		return ""
	}
	crop := field.Gray().SubImage(ink.Bounds.Inset(-4).Intersect(image.Rect(0, 0, field.W, field.H)))

	res, err := e.roll.ReadDigits(crop)
	if err != nil {
		e.logger.Printf("roll box of %s unreadable: %v", req.Capture.SourceKey, err)
		return ""
	}
	out.Handwriting = res
	if res.Confidence < e.opts.OCRMinConfidence || len(res.Digits) > layout.RollDigits {
		e.logger.Printf("roll box of %s rejected: %q at confidence %.2f", req.Capture.SourceKey, res.Digits, res.Confidence)
		return ""
	}
	return res.Digits
}
