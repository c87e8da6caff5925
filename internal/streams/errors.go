package streams

import (
	"errors"
	"fmt"
)

// StreamError represents a domain-specific error
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeStreamNotFound   = "STREAM_NOT_FOUND"
	ErrCodeStreamActive     = "STREAM_ACTIVE"
	ErrCodeStreamNotActive  = "STREAM_NOT_ACTIVE"
	ErrCodeAdmissionDenied  = "ADMISSION_DENIED"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeAssetMissing     = "ASSET_MISSING"
	ErrCodeSpawnFailed      = "SPAWN_FAILED"
	ErrCodePersistenceError = "PERSISTENCE_ERROR"
)

// Sentinel errors returned by collaborators.
var (
	// ErrNotFound is returned by a Store for unknown stream or schedule ids.
	ErrNotFound = errors.New("not found")
	// ErrAssetMissing is returned by an AssetResolver when a referenced file
	// is absent from disk or the catalog.
	ErrAssetMissing = errors.New("asset missing")
)

// NewStreamError creates a new stream error
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode extracts the StreamError code from err, or "" if err carries none.
func ErrorCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
