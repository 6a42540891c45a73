// Package server implements the MCP (Model Context Protocol) server that
// exposes the OMR engine as tools.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Templates:
//   - omr_template_layout: Generate or look up a template's geometry
//   - omr_template_render: PNG print preview, optionally with marks
//
// Exams and scanning:
//   - omr_exam_register: Store an exam's answer keys and marking scheme
//   - omr_scan_sheet: Score one capture synchronously (no queue, no charge)
//
// Jobs:
//   - omr_job_submit: Queue a batch of captures
//   - omr_job_status, omr_job_retry, omr_job_cancel
//   - omr_batch_status: Derived batch status and progress
//
// Results:
//   - omr_result_get: Stored sheet result
//   - omr_result_correct: Manual corrections with recomputed summary
//
// Review:
//   - omr_review_crop: Crop a question row or header field of an aligned capture
//   - omr_annotate: Capture with markers, frame and read bubbles drawn on it
//
// Billing:
//   - omr_wallet: Token balance and ledger, with optional top-up
//
// The review tools accept either a job_id, whose capture is read through
// the configured jobs.Source, or an exam_id and an image path.
//
// # Image Caching
//
// Decoded captures are cached for the lifetime of the process, so repeated
// review calls on the same sheet decode it once.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with code
// -32000 and an ErrorData payload. Failures a scan job would be classified
// by (InvalidImage, UnknownSet, ...) carry that code in error_code.
// omr_scan_sheet reports scan failures in its result instead, together with
// whatever stages completed.
package server
