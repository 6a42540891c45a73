package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// captureProperties select the capture that review tools inspect: a stored
// job, or an exam plus an image path.
func captureProperties() map[string]interface{} {
	return map[string]interface{}{
		"job_id": map[string]interface{}{
			"type":        "integer",
			"description": "Scan job whose capture to inspect. Takes precedence over exam_id/path.",
		},
		"exam_id": map[string]interface{}{
			"type":        "integer",
			"description": "Exam to read the capture against (with path)",
		},
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Absolute path to a capture (with exam_id)",
		},
		"rotation_hint": map[string]interface{}{
			"type":        "integer",
			"enum":        []int{0, 90, 180, 270},
			"description": "Clockwise rotation of the capture in degrees (with path)",
		},
		"set_label": map[string]interface{}{
			"type":        "string",
			"description": "Set label overriding the set-code bubbles (with path)",
		},
	}
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Templates
		{
			Name:        "omr_template_layout",
			Description: "Generate (or look up) a sheet template and return its full geometry: corner markers, every bubble rectangle and the header fields. Geometry is in template units; print and scoring use the same coordinates.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"version": map[string]interface{}{
						"type":        "string",
						"description": "Registered template version, e.g. q80-c4-standard-r1. When set, the other fields are ignored.",
					},
					"question_count": map[string]interface{}{
						"type":        "integer",
						"enum":        []int{20, 30, 40, 50, 60, 80, 100},
						"description": "Number of questions",
					},
					"column_count": map[string]interface{}{
						"type":        "integer",
						"description": "Answer columns (default derived from the question count)",
					},
					"header_style": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"standard", "compact", "none"},
						"description": "Header fields to print (default standard)",
						"default":     "standard",
					},
				},
			},
		},
		{
			Name:        "omr_template_render",
			Description: "Render a template as a PNG print preview. Optionally fill in marks to produce a sample capture for testing.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"version": map[string]interface{}{
						"type":        "string",
						"description": "Registered template version",
					},
					"scale": map[string]interface{}{
						"type":        "number",
						"description": "Pixels per template unit (default 1.4, max 4)",
						"default":     1.4,
					},
					"answers": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": map[string]interface{}{"type": "string"},
						"description":          "Options to fill, keyed by question number, e.g. {\"1\": \"A\", \"2\": \"BC\"}",
					},
					"set_code":    map[string]interface{}{"type": "string", "description": "Set-code labels to fill"},
					"roll":        map[string]interface{}{"type": "string", "description": "Roll-number digits to fill"},
					"subject":     map[string]interface{}{"type": "string", "description": "Subject-code digits to fill"},
					"handwritten": map[string]interface{}{"type": "string", "description": "Text to write into the roll box"},
				},
				"required": []string{"version"},
			},
		},

		// Exams
		{
			Name:        "omr_exam_register",
			Description: "Register an exam: its template version, one answer key per set label (or a single key under \"\") and its marking scheme. A finalized exam can no longer be changed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{
						"type":        "integer",
						"description": "Existing exam to update; omit to create",
					},
					"title": map[string]interface{}{
						"type": "string",
					},
					"template_version": map[string]interface{}{
						"type": "string",
					},
					"keys": map[string]interface{}{
						"type":        "object",
						"description": "Answer keys by set label; each maps question number to option, e.g. {\"A\": {\"1\": \"C\"}}",
					},
					"scheme": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"correct":       map[string]interface{}{"type": "number"},
							"wrong":         map[string]interface{}{"type": "number"},
							"unanswered":    map[string]interface{}{"type": "number"},
							"invalid":       map[string]interface{}{"type": "number"},
							"floor_at_zero": map[string]interface{}{"type": "boolean"},
							"precision":     map[string]interface{}{"type": "integer"},
						},
						"description": "Marking scheme (default one mark per correct answer)",
					},
					"finalized": map[string]interface{}{
						"type":    "boolean",
						"default": false,
					},
				},
				"required": []string{"title", "template_version", "keys"},
			},
		},

		// Scanning
		{
			Name:        "omr_scan_sheet",
			Description: "Scan one capture synchronously against an exam without queueing or charging. Returns the scored result, or the error code the job would fail with, plus alignment details and stage timings.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"exam_id": map[string]interface{}{"type": "integer"},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the capture",
					},
					"rotation_hint": map[string]interface{}{
						"type":    "integer",
						"enum":    []int{0, 90, 180, 270},
						"default": 0,
					},
					"set_label": map[string]interface{}{
						"type":        "string",
						"description": "Set label overriding the set-code bubbles",
					},
					"attempt": map[string]interface{}{
						"type":        "integer",
						"description": "Attempt number; selects the preprocessing profile (default 1)",
						"default":     1,
					},
				},
				"required": []string{"exam_id", "path"},
			},
		},

		// Jobs
		{
			Name:        "omr_job_submit",
			Description: "Queue a batch of captures for an exam. Each sheet becomes a scan job, charged one token when first processed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"exam_id": map[string]interface{}{"type": "integer"},
					"sheets": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"source_file_key":    map[string]interface{}{"type": "string", "description": "Capture location relative to the source directory"},
								"set_label_override": map[string]interface{}{"type": "string"},
								"rotation_hint":      map[string]interface{}{"type": "integer", "enum": []int{0, 90, 180, 270}},
							},
							"required": []string{"source_file_key"},
						},
					},
				},
				"required": []string{"exam_id", "sheets"},
			},
		},
		{
			Name:        "omr_job_status",
			Description: "Get a scan job: status, attempts, error code and message, review flag and sheet id.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"job_id": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"job_id"},
			},
		},
		{
			Name:        "omr_job_retry",
			Description: "Requeue a failed job. Retries are free; the attempt cap still applies. Unreadable images need a new upload instead.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"job_id": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"job_id"},
			},
		},
		{
			Name:        "omr_job_cancel",
			Description: "Cancel a queued, processing or failed job. A processing job stops at its next stage boundary.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"job_id": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"job_id"},
			},
		},
		{
			Name:        "omr_batch_status",
			Description: "Get a batch with its derived status, progress counters and jobs.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"batch_id": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"batch_id"},
			},
		},

		// Results
		{
			Name:        "omr_result_get",
			Description: "Get a scored sheet: identifiers, set label, summary and per-question results.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sheet_id": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"sheet_id"},
			},
		},
		{
			Name:        "omr_result_correct",
			Description: "Manually correct selected options of a scored sheet. Statuses, marks and the summary are recomputed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sheet_id": map[string]interface{}{"type": "integer"},
					"corrections": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"question_no": map[string]interface{}{"type": "integer"},
								"option": map[string]interface{}{
									"type":        []string{"string", "null"},
									"description": "A, B, C or D; null or empty clears the selection",
								},
							},
							"required": []string{"question_no"},
						},
					},
				},
				"required": []string{"sheet_id", "corrections"},
			},
		},

		// Review
		{
			Name:        "omr_review_crop",
			Description: "Crop one field of an aligned capture for manual review: a question row, the set code, the roll or subject digits, or the handwritten roll box. Returns a PNG and the bubble readings of the field.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": mergeProperties(captureProperties(), map[string]interface{}{
					"field": map[string]interface{}{
						"type":    "string",
						"enum":    []string{"question", "set_code", "roll", "subject", "roll_box"},
						"default": "question",
					},
					"question_no": map[string]interface{}{
						"type":        "integer",
						"description": "Question to crop (field question)",
					},
					"padding": map[string]interface{}{
						"type":        "integer",
						"description": "Extra pixels around the field (default 8)",
						"default":     8,
					},
					"scale": map[string]interface{}{
						"type":        "number",
						"description": "Scale factor for the crop (default 2.0)",
						"default":     2.0,
					},
				}),
			},
		},
		{
			Name:        "omr_annotate",
			Description: "Return the aligned capture with the detected markers, the projected frame and every read bubble drawn on it, coloured by question status when the sheet scored.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": mergeProperties(captureProperties(), map[string]interface{}{
					"show_key": map[string]interface{}{
						"type":        "boolean",
						"description": "Ring the correct option of every question not answered correctly",
						"default":     true,
					},
					"key_color": map[string]interface{}{
						"type":        "string",
						"description": "Hex colour of the key marks, e.g. '#00AA0096' (default translucent green)",
					},
				}),
			},
		},
		{
			Name:        "omr_wallet",
			Description: "Report the scan token balance and the newest ledger entries. Each processed job is debited one token on its first attempt only. An optional credit records a top-up; crediting the same reference twice is a no-op.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"credit": map[string]interface{}{
						"type":        "object",
						"description": "Top-up to record before reporting",
						"properties": map[string]interface{}{
							"reference": map[string]interface{}{
								"type":        "string",
								"description": "Idempotency reference, e.g. an order id",
							},
							"tokens": map[string]interface{}{
								"type":        "integer",
								"description": "Tokens to add (positive)",
							},
						},
						"required": []string{"reference", "tokens"},
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Newest entries to return (default 50)",
						"default":     50,
					},
				},
			},
		},
	}
}

func mergeProperties(a, b map[string]interface{}) map[string]interface{} {
	for k, v := range b {
		a[k] = v
	}
	return a
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
