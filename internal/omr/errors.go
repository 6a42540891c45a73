package omr

import (
	"errors"
	"fmt"
)

// Code identifies a whole-sheet failure on the job error surface.
type Code string

const (
	// CodeInvalidImage: the input could not be decoded or carries no usable
	// content. Never retried.
	CodeInvalidImage Code = "InvalidImage"

	// CodeAlignmentFailed: fewer than three corner markers were found or the
	// resulting geometry was implausible. Retried with the next
	// preprocessing profile until the attempt cap.
	CodeAlignmentFailed Code = "AlignmentFailed"

	// CodeUnknownSet: the set-code bubbles were blank, multiply marked, or
	// named a set without an answer key. Routed to manual review.
	CodeUnknownSet Code = "UnknownSet"

	// CodeLowConfidence: markers were found but the alignment confidence is
	// under the configured floor. Routed to manual review.
	CodeLowConfidence Code = "LowConfidence"

	// CodeCanceled: the job was canceled between pipeline stages.
	CodeCanceled Code = "Canceled"

	// CodeInternal: storage or other infrastructure failure. Retried.
	CodeInternal Code = "Internal"
)

// Error is a classified whole-sheet failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether an automatic retry may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeAlignmentFailed, CodeInternal:
		return true
	}
	return false
}

// NeedsReview reports whether the failure should be surfaced for manual
// handling immediately rather than after retries run out.
func (e *Error) NeedsReview() bool {
	switch e.Code {
	case CodeUnknownSet, CodeLowConfidence, CodeInvalidImage:
		return true
	}
	return false
}

// Errorf builds an *Error with a formatted message and no cause.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// AsError extracts the classified error from err, classifying anything
// unknown as Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Err: err}
}

// CodeOf returns the classification of err ("" for nil).
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
