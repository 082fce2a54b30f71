package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"      // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"  // Store or bus unreachable
	ErrCodeCanceled    ErrorCode = "CANCELED"     // Caller went away
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED" // Caller exceeded its message budget

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Node does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed request
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Host already taken by another record
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Operator API key missing or wrong

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeRateLimited:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeConflict, ErrCodeUnauthorized, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "node store temporarily unavailable",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeRateLimited:  "rate limit exceeded",
	ErrCodeNotFound:     "node not found",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeConflict:     "conflicting node record",
	ErrCodeUnauthorized: "api key required",
	ErrCodeInternal:     "internal error",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
