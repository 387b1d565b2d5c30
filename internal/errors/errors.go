package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the datescan worker
 *
 * Only collaborator failures (payload decoding, OCR, timeouts, mirrors)
 * are errors. A frame without a date is a normal outcome, not an error.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Frame processing errors
	ErrorFrameTimeout      ErrorCode = "FRAME_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInvalidPayload    ErrorCode = "INVALID_PAYLOAD"

	// Output errors
	ErrorPublishFailed ErrorCode = "PUBLISH_FAILED"
)

// ProcessingError represents a structured frame processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	FrameID   string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewFrameTimeoutError(frameID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorFrameTimeout,
		Message:   fmt.Sprintf("Frame processing timed out after %v", duration),
		FrameID:   frameID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewOCRFailedError(frameID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed in engine: %s", engine),
		FrameID:   frameID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(frameID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		FrameID:   frameID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewInvalidPayloadError(frameID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidPayload,
		Message:   fmt.Sprintf("Invalid frame payload: %s", reason),
		FrameID:   frameID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewPublishFailedError(target string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPublishFailed,
		Message:   fmt.Sprintf("Failed to publish date to %s", target),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"target": target,
		},
		Cause: cause,
	}
}

// CodeOf returns the ErrorCode of the first ProcessingError in err's chain,
// or "" if there is none
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ToMap converts error to map for job status reporting
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.FrameID != "" {
		result["frame_id"] = e.FrameID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
