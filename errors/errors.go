package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error is a classified failure with enough context to decide whether the
// caller should retry and which node or connection it concerns.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	host      string
	connID    string
}

var _ json.Marshaler = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Host returns the node host the error concerns, if set.
func (e *Error) Host() string {
	return e.host
}

// ConnectionID returns the connection the error concerns, if set.
func (e *Error) ConnectionID() string {
	return e.connID
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Host      string            `json:"host,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Host:      e.host,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithHost records the node host.
func WithHost(host string) Option {
	return func(e *Error) {
		e.host = host
	}
}

// WithConnection records the connection ID.
func WithConnection(connID string) Option {
	return func(e *Error) {
		e.connID = connID
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Wrap wraps err with a message while keeping the chain intact.
// An existing *Error keeps its code; context errors become TIMEOUT or
// CANCELED; anything else is INTERNAL. Wrap(nil) returns nil.
func Wrap(err error, message string, opts ...Option) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		wrapped := &Error{
			code:      classified.code,
			category:  classified.category,
			message:   message,
			cause:     err,
			metadata:  classified.Metadata(),
			retryable: classified.retryable,
			timestamp: time.Now(),
			host:      classified.host,
			connID:    classified.connID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	case errors.Is(err, context.Canceled):
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
// Context errors still win so a cancelled request is never reported as an
// outage.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(err, message, opts...)
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code == code
	}
	return false
}

// Code extracts the error code, or "" for unclassified errors.
func Code(err error) ErrorCode {
	if classified := As(err); classified != nil {
		return classified.code
	}
	return ""
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	if classified := As(err); classified != nil {
		return classified.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	if classified := As(err); classified != nil {
		return classified.category == CategoryTransient
	}
	return false
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
