package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/optimark/omr-engine/internal/bubble"
	"github.com/optimark/omr-engine/internal/detection"
	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/ocr"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/pipeline"
	"github.com/optimark/omr-engine/internal/scoring"
	"github.com/optimark/omr-engine/internal/store"
	"github.com/optimark/omr-engine/internal/synth"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "omr_scan_sheet").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// ErrorData is the data of a failed tool call. Classified failures carry the
// same code a scan job would fail with.
type ErrorData struct {
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message"`
}

func errorData(err error) ErrorData {
	var classified *omr.Error
	if errors.As(err, &classified) {
		return ErrorData{ErrorCode: string(classified.Code), ErrorMessage: err.Error()}
	}
	return ErrorData{ErrorMessage: err.Error()}
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000
// and an ErrorData payload.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.logger.Printf("tool %s failed: %v", params.Name, err)
		return s.errorResponse(req.ID, -32000, "Tool execution failed", errorData(err))
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	// Templates
	case "omr_template_layout":
		return s.handleTemplateLayout(args)
	case "omr_template_render":
		return s.handleTemplateRender(args)

	// Exams
	case "omr_exam_register":
		return s.handleExamRegister(ctx, args)

	// Scanning
	case "omr_scan_sheet":
		return s.handleScanSheet(ctx, args)

	// Jobs
	case "omr_job_submit":
		return s.handleJobSubmit(ctx, args)
	case "omr_job_status":
		return s.handleJob(ctx, args, s.jobs.Job)
	case "omr_job_retry":
		return s.handleJob(ctx, args, s.retryJob)
	case "omr_job_cancel":
		return s.handleJob(ctx, args, s.jobs.Cancel)
	case "omr_batch_status":
		return s.handleBatchStatus(ctx, args)

	// Results
	case "omr_result_get":
		return s.handleResultGet(ctx, args)
	case "omr_result_correct":
		return s.handleResultCorrect(ctx, args)

	// Review
	case "omr_review_crop":
		return s.handleReviewCrop(ctx, args)
	case "omr_annotate":
		return s.handleAnnotate(ctx, args)

	// Billing
	case "omr_wallet":
		return s.handleWallet(ctx, args)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// On marshal failure it returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// === Template Handlers ===

type templateLayoutArgs struct {
	Version       string             `json:"version"`
	QuestionCount int                `json:"question_count"`
	ColumnCount   int                `json:"column_count"`
	HeaderStyle   layout.HeaderStyle `json:"header_style"`
}

type templateLayoutResult struct {
	Template    *layout.Template `json:"template"`
	Fingerprint string           `json:"fingerprint"`
	BubbleCount int              `json:"bubble_count"`
}

func (s *Server) handleTemplateLayout(args json.RawMessage) (interface{}, error) {
	var a templateLayoutArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}

	var (
		tpl *layout.Template
		err error
	)
	if a.Version != "" {
		tpl, err = s.templates.Lookup(a.Version)
		if errors.Is(err, layout.ErrUnknownTemplate) {
			return nil, fmt.Errorf("%w; registered: %s", err, strings.Join(s.templates.Versions(), ", "))
		}
	} else {
		tpl, err = s.templates.Ensure(layout.Spec{
			QuestionCount: a.QuestionCount,
			ColumnCount:   a.ColumnCount,
			Header:        a.HeaderStyle,
		})
	}
	if err != nil {
		return nil, err
	}
	return &templateLayoutResult{
		Template:    tpl,
		Fingerprint: layout.Fingerprint(tpl),
		BubbleCount: tpl.BubbleCount(),
	}, nil
}

// maxRenderScale keeps previews of the largest sheet under 3000x4300 px.
const maxRenderScale = 4.0

type templateRenderArgs struct {
	Version     string         `json:"version"`
	Scale       float64        `json:"scale"`
	Answers     map[int]string `json:"answers"`
	SetCode     string         `json:"set_code"`
	Roll        string         `json:"roll"`
	Subject     string         `json:"subject"`
	Handwritten string         `json:"handwritten"`
}

type imageResult struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

type templateRenderResult struct {
	Version string `json:"version"`
	imageResult
}

func (s *Server) handleTemplateRender(args json.RawMessage) (interface{}, error) {
	var a templateRenderArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Scale == 0 {
		a.Scale = synth.DefaultOptions.Scale
	}
	if a.Scale < 0 || a.Scale > maxRenderScale {
		return nil, fmt.Errorf("scale %.2f out of range (0, %.0f]", a.Scale, maxRenderScale)
	}
	tpl, err := s.templates.Lookup(a.Version)
	if err != nil {
		return nil, err
	}
	if len(a.Roll) > len(tpl.Roll) || len(a.Subject) > len(tpl.Subject) {
		return nil, fmt.Errorf("template %s prints %d roll and %d subject digits", tpl.Version, len(tpl.Roll), len(tpl.Subject))
	}

	sheet := synth.Sheet{
		SetCode:     strings.ToUpper(a.SetCode),
		Roll:        a.Roll,
		Subject:     a.Subject,
		Handwritten: a.Handwritten,
	}
	if len(a.Answers) > 0 {
		sheet.Answers = make(map[int][]omr.Option, len(a.Answers))
		for q, marks := range a.Answers {
			if _, ok := tpl.Question(q); !ok {
				return nil, fmt.Errorf("question %d out of range 1..%d", q, tpl.QuestionCount)
			}
			for _, m := range marks {
				o, err := omr.ParseOption(string(m))
				if err != nil {
					return nil, fmt.Errorf("question %d: %w", q, err)
				}
				sheet.Answers[q] = append(sheet.Answers[q], o)
			}
		}
	}

	var preview *image.Gray
	if len(sheet.Answers) == 0 && sheet.SetCode == "" && sheet.Roll == "" && sheet.Subject == "" && sheet.Handwritten == "" {
		preview, err = synth.Blank(tpl, a.Scale)
	} else {
		var capture *synth.Capture
		capture, err = synth.Render(tpl, sheet, synth.Options{Scale: a.Scale})
		if capture != nil {
			preview = capture.Image
		}
	}
	if err != nil {
		return nil, err
	}
	encoded, err := imaging.EncodePNG(preview)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	b := preview.Bounds()
	return &templateRenderResult{
		Version:     tpl.Version,
		imageResult: imageResult{Width: b.Dx(), Height: b.Dy(), ImageBase64: encoded, MimeType: "image/png"},
	}, nil
}

// === Exam Handlers ===

type examRegisterArgs struct {
	ID              int64                        `json:"id"`
	Title           string                       `json:"title"`
	TemplateVersion string                       `json:"template_version"`
	Keys            map[string]scoring.AnswerKey `json:"keys"`
	Scheme          *scoring.MarkingScheme       `json:"scheme"`
	Finalized       bool                         `json:"finalized"`
}

func (s *Server) handleExamRegister(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a examRegisterArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	exam := &scoring.Exam{
		ID:              a.ID,
		Title:           a.Title,
		TemplateVersion: a.TemplateVersion,
		Keys:            make(map[string]scoring.AnswerKey, len(a.Keys)),
		Scheme:          scoring.DefaultScheme,
		Finalized:       a.Finalized,
	}
	if a.Scheme != nil {
		exam.Scheme = *a.Scheme
	}
	for label, key := range a.Keys {
		normalized := make(scoring.AnswerKey, len(key))
		for q, o := range key {
			normalized[q] = omr.Option(strings.ToUpper(string(o)))
		}
		exam.Keys[strings.ToUpper(strings.TrimSpace(label))] = normalized
	}
	return s.jobs.RegisterExam(ctx, exam)
}

// === Scan Handlers ===

// captureArgs select a capture: a stored job, or an exam and an image path.
type captureArgs struct {
	JobID        int64  `json:"job_id"`
	ExamID       int64  `json:"exam_id"`
	Path         string `json:"path"`
	RotationHint int    `json:"rotation_hint"`
	SetLabel     string `json:"set_label"`
}

// request resolves c to a scan request for its exam and decoded capture.
func (s *Server) request(ctx context.Context, c captureArgs) (*pipeline.Request, error) {
	req := &pipeline.Request{Attempt: 1}
	var examID int64
	switch {
	case c.JobID != 0:
		job, err := s.jobs.Job(ctx, c.JobID)
		if err != nil {
			return nil, err
		}
		img, err := s.loadSource(ctx, job.SourceKey)
		if err != nil {
			return nil, err
		}
		examID = job.ExamID
		req.Capture = pipeline.Capture{Image: img, Rotation: job.RotationHint, SourceKey: job.SourceKey}
		if job.SetLabelOverride != nil {
			req.SetOverride = *job.SetLabelOverride
		}
		req.Attempt = max(1, job.Attempts)
	case c.ExamID != 0 && c.Path != "":
		img, err := s.cache.Load(c.Path)
		if err != nil {
			return nil, err
		}
		examID = c.ExamID
		req.Capture = pipeline.Capture{Image: img, Rotation: c.RotationHint, SourceKey: c.Path}
		req.SetOverride = c.SetLabel
	default:
		return nil, errors.New("job_id, or exam_id and path, are required")
	}

	exam, err := s.jobs.Exam(ctx, examID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.templates.Lookup(exam.TemplateVersion)
	if err != nil {
		return nil, err
	}
	req.Exam, req.Template = exam, tpl
	return req, nil
}

// maxCachedCaptures bounds the decoded captures kept for review calls.
const maxCachedCaptures = 64

func sourceCacheKey(key string) string { return "source:" + key }

// loadSource decodes a job's capture once and keeps it for later review calls.
func (s *Server) loadSource(ctx context.Context, key string) (image.Image, error) {
	if s.source == nil {
		return nil, errors.New("no capture source configured")
	}
	cacheKey := sourceCacheKey(key)
	if img, ok := s.cache.Get(cacheKey); ok {
		return img, nil
	}
	data, err := s.source.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	info, err := imaging.DescribeImage(data)
	if err != nil {
		return nil, omr.Wrap(omr.CodeInvalidImage, err, "unrecognised capture format")
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, omr.Wrap(omr.CodeInvalidImage, err, fmt.Sprintf("unreadable %s capture", info.Format))
	}
	if s.cache.Len() >= maxCachedCaptures {
		s.cache.Clear()
	}
	s.cache.Put(cacheKey, img)
	return img, nil
}

// retryJob drops the cached capture so review calls after the retry see a
// replaced upload.
func (s *Server) retryJob(ctx context.Context, id int64) (*jobs.ScanJob, error) {
	job, err := s.jobs.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Evict(sourceCacheKey(job.SourceKey))
	return job, nil
}

type scanSheetArgs struct {
	captureArgs
	Attempt int `json:"attempt"`
}

type scanSheetResult struct {
	// Status is "scored" or "failed".
	Status         string                     `json:"status"`
	ErrorCode      string                     `json:"error_code,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	ReviewRequired bool                       `json:"review_required,omitempty"`
	Result         *scoring.SheetResultDetail `json:"result,omitempty"`
	Preprocess     string                     `json:"preprocess,omitempty"`
	Alignment      *detection.Alignment       `json:"alignment,omitempty"`
	RollSource     pipeline.RollSource        `json:"roll_source,omitempty"`
	Handwriting    *ocr.Result                `json:"handwriting,omitempty"`
	Timings        []pipeline.Timing          `json:"timings"`
}

func (s *Server) handleScanSheet(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a scanSheetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, a.captureArgs)
	if err != nil {
		return nil, err
	}
	if a.Attempt > 0 {
		req.Attempt = a.Attempt
	}

	out, scanErr := s.engine.Scan(ctx, *req)
	if out == nil {
		return nil, scanErr
	}
	res := &scanSheetResult{
		Status:      "scored",
		Result:      out.Result,
		Alignment:   out.Alignment,
		RollSource:  out.RollSource,
		Handwriting: out.Handwriting,
		Timings:     out.Timings,
	}
	if out.Prepared != nil {
		res.Preprocess = out.Prepared.String()
	}
	if scanErr != nil {
		e := omr.AsError(scanErr)
		res.Status = "failed"
		res.ErrorCode = string(e.Code)
		res.ErrorMessage = e.Error()
		res.ReviewRequired = e.NeedsReview()
	}
	return res, nil
}

// inspect scans a capture for the review tools. The scan may fail after
// alignment; only captures that could not be aligned are an error.
func (s *Server) inspect(ctx context.Context, c captureArgs) (*pipeline.Request, *pipeline.Outcome, error) {
	req, err := s.request(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	out, scanErr := s.engine.Scan(ctx, *req)
	if out == nil || out.Alignment == nil {
		if scanErr == nil {
			scanErr = errors.New("no alignment")
		}
		return nil, nil, fmt.Errorf("capture could not be aligned: %w", scanErr)
	}
	if scanErr != nil {
		s.logger.Printf("reviewing %s despite: %v", req.Capture.SourceKey, scanErr)
	}
	return req, out, nil
}

// === Job Handlers ===

type jobSubmitArgs struct {
	ExamID int64         `json:"exam_id"`
	Sheets []jobs.NewJob `json:"sheets"`
}

func (s *Server) handleJobSubmit(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a jobSubmitArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return s.jobs.Submit(ctx, a.ExamID, a.Sheets)
}

type jobArgs struct {
	JobID int64 `json:"job_id"`
}

// handleJob serves the single-job tools, which differ only in the service
// call.
func (s *Server) handleJob(ctx context.Context, args json.RawMessage, call func(context.Context, int64) (*jobs.ScanJob, error)) (interface{}, error) {
	var a jobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return call(ctx, a.JobID)
}

type batchStatusArgs struct {
	BatchID int64 `json:"batch_id"`
}

func (s *Server) handleBatchStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a batchStatusArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return s.jobs.Batch(ctx, a.BatchID)
}

// === Result Handlers ===

type resultArgs struct {
	SheetID int64 `json:"sheet_id"`
}

func (s *Server) handleResultGet(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a resultArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return s.jobs.Result(ctx, a.SheetID)
}

type resultCorrectArgs struct {
	SheetID     int64 `json:"sheet_id"`
	Corrections []struct {
		QuestionNo int     `json:"question_no"`
		Option     *string `json:"option"`
	} `json:"corrections"`
}

func (s *Server) handleResultCorrect(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a resultCorrectArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if len(a.Corrections) == 0 {
		return nil, errors.New("no corrections given")
	}

	corrections := make(map[int]*omr.Option, len(a.Corrections))
	for _, c := range a.Corrections {
		if _, dup := corrections[c.QuestionNo]; dup {
			return nil, fmt.Errorf("question %d corrected twice", c.QuestionNo)
		}
		if c.Option == nil || strings.TrimSpace(*c.Option) == "" {
			corrections[c.QuestionNo] = nil
			continue
		}
		o, err := omr.ParseOption(strings.TrimSpace(*c.Option))
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", c.QuestionNo, err)
		}
		corrections[c.QuestionNo] = o.Ptr()
	}
	return s.jobs.Correct(ctx, a.SheetID, corrections)
}

// === Review Handlers ===

// Review fields.
const (
	FieldQuestion = "question"
	FieldSetCode  = "set_code"
	FieldRoll     = "roll"
	FieldSubject  = "subject"
	FieldRollBox  = "roll_box"
)

type reviewCropArgs struct {
	captureArgs
	Field      string  `json:"field"`
	QuestionNo int     `json:"question_no"`
	Padding    *int    `json:"padding"`
	Scale      float64 `json:"scale"`
}

type reviewCropResult struct {
	*imaging.CropResult
	Field      string `json:"field"`
	QuestionNo int    `json:"question_no,omitempty"`
	// Groups are the bubble readings of the field; empty when the scan
	// stopped before sampling.
	Groups   []bubble.GroupResult    `json:"groups,omitempty"`
	Question *scoring.QuestionResult `json:"question,omitempty"`
}

func groupsRect(groups ...layout.Group) layout.Rect {
	r := groups[0].Bubbles[0].Rect
	for _, g := range groups {
		for _, b := range g.Bubbles {
			r = r.Union(b.Rect)
		}
	}
	return r.Inset(-3)
}

// fieldRegion returns the template area of a review field and its readings.
func fieldRegion(tpl *layout.Template, reading *bubble.Reading, field string, q int) (layout.Rect, []bubble.GroupResult, error) {
	missing := func() (layout.Rect, []bubble.GroupResult, error) {
		return layout.Rect{}, nil, fmt.Errorf("template %s has no %s field", tpl.Version, field)
	}
	switch field {
	case FieldQuestion:
		r, ok := tpl.QuestionRow(q)
		if !ok {
			return layout.Rect{}, nil, fmt.Errorf("question %d out of range 1..%d", q, tpl.QuestionCount)
		}
		if reading == nil {
			return r, nil, nil
		}
		g, _ := reading.Answer(q)
		return r, []bubble.GroupResult{g}, nil
	case FieldSetCode:
		if tpl.SetCode == nil {
			return missing()
		}
		if reading == nil || reading.SetCode == nil {
			return groupsRect(*tpl.SetCode), nil, nil
		}
		return groupsRect(*tpl.SetCode), []bubble.GroupResult{*reading.SetCode}, nil
	case FieldRoll:
		if len(tpl.Roll) == 0 {
			return missing()
		}
		if reading == nil {
			return groupsRect(tpl.Roll...), nil, nil
		}
		return groupsRect(tpl.Roll...), reading.Roll, nil
	case FieldSubject:
		if len(tpl.Subject) == 0 {
			return missing()
		}
		if reading == nil {
			return groupsRect(tpl.Subject...), nil, nil
		}
		return groupsRect(tpl.Subject...), reading.Subject, nil
	case FieldRollBox:
		if tpl.RollBox == nil {
			return missing()
		}
		return *tpl.RollBox, nil, nil
	}
	return layout.Rect{}, nil, fmt.Errorf("unknown field %q", field)
}

func (s *Server) handleReviewCrop(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a reviewCropArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Field == "" {
		a.Field = FieldQuestion
	}
	if a.Scale == 0 {
		a.Scale = 2.0
	}
	pad := 8
	if a.Padding != nil {
		pad = max(0, *a.Padding)
	}

	req, out, err := s.inspect(ctx, a.captureArgs)
	if err != nil {
		return nil, err
	}
	region, groups, err := fieldRegion(req.Template, out.Reading, a.Field, a.QuestionNo)
	if err != nil {
		return nil, err
	}
	crop, err := imaging.Crop(out.Prepared.Color, out.Alignment.ImageRect(region), pad, a.Scale)
	if err != nil {
		return nil, err
	}

	res := &reviewCropResult{CropResult: crop, Field: a.Field, Groups: groups}
	if a.Field == FieldQuestion {
		res.QuestionNo = a.QuestionNo
		if out.Result != nil {
			res.Question, _ = out.Result.Question(a.QuestionNo)
		}
	}
	return res, nil
}

var (
	markerColor    = color.RGBA{0, 120, 255, 255}
	recoveredColor = color.RGBA{0, 120, 255, 140}
	frameColor     = color.RGBA{0, 120, 255, 110}
	markColor      = color.RGBA{0, 120, 255, 255}
	ambiguousColor = color.RGBA{255, 190, 0, 255}
	keyColor       = color.RGBA{0, 170, 0, 150}
	labelFG        = color.RGBA{255, 255, 255, 255}
	labelBG        = color.RGBA{0, 0, 0, 190}

	statusColors = map[omr.QuestionStatus]color.RGBA{
		omr.StatusCorrect:    {0, 170, 0, 255},
		omr.StatusWrong:      {220, 0, 0, 255},
		omr.StatusInvalid:    {255, 120, 0, 255},
		omr.StatusUnanswered: {128, 128, 128, 255},
	}
)

type annotateArgs struct {
	captureArgs
	ShowKey  *bool  `json:"show_key"`
	KeyColor string `json:"key_color"`
}

type annotateResult struct {
	imageResult
	Orientation detection.Orientation `json:"orientation"`
	Confidence  float64               `json:"confidence"`
	Summary     *scoring.Summary      `json:"summary,omitempty"`
}

func (s *Server) handleAnnotate(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a annotateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	showKey := a.ShowKey == nil || *a.ShowKey
	keyCol := keyColor
	if a.KeyColor != "" {
		c, err := imaging.ParseHexColor(a.KeyColor)
		if err != nil {
			return nil, fmt.Errorf("invalid key_color: %w", err)
		}
		keyCol = c
	}

	req, out, err := s.inspect(ctx, a.captureArgs)
	if err != nil {
		return nil, err
	}
	al := out.Alignment
	canvas := imaging.NewCanvas(out.Prepared.Color)

	frame := al.ProjectRect(req.Template.Frame())
	canvas.Polygon(frame[:], 2, frameColor)
	for _, m := range al.Markers {
		if m.Synthesized {
			canvas.Ring(m.Center, layout.MarkerSize/2*al.PixelsPerUnit, 2, recoveredColor)
			continue
		}
		b := m.Box
		canvas.Polygon([]layout.Point{
			{X: float64(b.Min.X), Y: float64(b.Min.Y)},
			{X: float64(b.Max.X), Y: float64(b.Min.Y)},
			{X: float64(b.Max.X), Y: float64(b.Max.Y)},
			{X: float64(b.Min.X), Y: float64(b.Max.Y)},
		}, 3, markerColor)
	}

	if r := out.Reading; r != nil {
		for _, g := range r.Answers {
			var qr *scoring.QuestionResult
			if out.Result != nil {
				qr, _ = out.Result.Question(g.Index)
			}
			for _, cell := range g.Cells {
				center := al.Project(cell.Rect.Center())
				radius := cell.Rect.Radius() * al.PixelsPerUnit
				switch cell.Class {
				case bubble.Filled:
					col := markColor
					if qr != nil {
						col = statusColors[qr.Status]
					}
					canvas.Ring(center, radius+2, 2, col)
				case bubble.Ambiguous:
					canvas.Ring(center, radius+2, 2, ambiguousColor)
				}
				if showKey && qr != nil && qr.Status != omr.StatusCorrect &&
					qr.CorrectOption != nil && string(*qr.CorrectOption) == cell.Label {
					canvas.Disc(center, radius*0.4, keyCol)
				}
			}
		}

		var header []bubble.GroupResult
		if r.SetCode != nil {
			header = append(header, *r.SetCode)
		}
		header = append(header, r.Roll...)
		header = append(header, r.Subject...)
		for _, g := range header {
			for _, cell := range g.Cells {
				if cell.Class == bubble.Empty {
					continue
				}
				col := markColor
				if cell.Class == bubble.Ambiguous {
					col = ambiguousColor
				}
				canvas.Ring(al.Project(cell.Rect.Center()), cell.Rect.Radius()*al.PixelsPerUnit+2, 2, col)
			}
		}
	}

	res := &annotateResult{Orientation: al.Orientation, Confidence: al.Confidence}
	if out.Result != nil {
		sum := out.Result.Summary
		res.Summary = &sum
		canvas.Label(12, 12, fmt.Sprintf("%d/%d %.1f%%", sum.Correct, sum.Total(), sum.Percentage), 4, labelFG, labelBG)
	}

	encoded, err := canvas.EncodePNG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	b := canvas.Image().Bounds()
	res.imageResult = imageResult{Width: b.Dx(), Height: b.Dy(), ImageBase64: encoded, MimeType: "image/png"}
	return res, nil
}

// === Billing Handlers ===

type walletArgs struct {
	Credit *struct {
		Reference string `json:"reference" validate:"notblank"`
		Tokens    int64  `json:"tokens" validate:"gt=0"`
	} `json:"credit"`
	Limit int `json:"limit"`
}

type walletResult struct {
	Balance int64               `json:"balance"`
	Entries []store.LedgerEntry `json:"entries"`
}

// handleWallet reports the token balance and the newest ledger entries,
// after recording a top-up when one is given.
func (s *Server) handleWallet(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errors.New("no wallet configured")
	}
	var a walletArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Credit != nil {
		if err := omr.Validate.Struct(a.Credit); err != nil {
			return nil, fmt.Errorf("invalid credit: %s", omr.ValidationMessage(err))
		}
		if err := s.wallet.Credit(ctx, a.Credit.Reference, a.Credit.Tokens); err != nil {
			return nil, err
		}
	}

	balance, err := s.wallet.Balance(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.wallet.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return &walletResult{Balance: balance, Entries: entries}, nil
}
