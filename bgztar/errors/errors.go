package errors

import "fmt"

// Error values for bgztar operations
var (
	// ErrCorruptArchive is returned when the block-gzip container framing is malformed
	ErrCorruptArchive = &IndexError{Code: "CORRUPT_ARCHIVE", Message: "malformed block-gzip framing"}

	// ErrBadHeader is returned when a tar header fails checksum or field validation
	ErrBadHeader = &IndexError{Code: "BAD_HEADER", Message: "invalid tar header"}

	// ErrIndexInconsistency is returned when the block map does not cover an entry's data range
	ErrIndexInconsistency = &IndexError{Code: "INDEX_INCONSISTENT", Message: "entry range not covered by block map"}

	// ErrUnsupportedVersion is returned when an index file is newer than this reader supports
	ErrUnsupportedVersion = &IndexError{Code: "UNSUPPORTED_VERSION", Message: "unsupported index format version"}

	// ErrTruncatedIndex is returned when an index file is shorter than its header declares
	ErrTruncatedIndex = &IndexError{Code: "TRUNCATED_INDEX", Message: "truncated index file"}

	// ErrNotFound is returned when a query selector matches no entry in the index
	ErrNotFound = &IndexError{Code: "ENTRY_NOT_FOUND", Message: "entry not found in index"}

	// ErrFetchFailed is returned when a ranged read from storage fails
	ErrFetchFailed = &IndexError{Code: "FETCH_FAILED", Message: "failed to fetch compressed range"}
)

// IndexError represents a structured error in bgztar operations
type IndexError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether target shares this error's code, so that
// errors.Is(err, ErrCorruptArchive) matches derived errors built
// with WithCause/WithDetail/WithOffset.
func (e *IndexError) Is(target error) bool {
	other, ok := target.(*IndexError)
	return ok && other.Code == e.Code
}

// WithCause adds a cause to the error
func (e *IndexError) WithCause(cause error) *IndexError {
	return &IndexError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *IndexError) WithDetail(key string, value interface{}) *IndexError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &IndexError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithOffset records the byte offset at which a parse failure was detected.
func (e *IndexError) WithOffset(offset int64) *IndexError {
	return e.WithDetail("offset", offset)
}

// WithMessage overrides the error message
func (e *IndexError) WithMessage(message string) *IndexError {
	return &IndexError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// GetErrorCode extracts the error code from an IndexError
func GetErrorCode(err error) string {
	if idxErr, ok := err.(*IndexError); ok {
		return idxErr.Code
	}
	return ""
}
