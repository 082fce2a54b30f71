package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"unavailable", ErrCodeUnavailable, CategoryTransient, true},
		{"rate_limited", ErrCodeRateLimited, CategoryTransient, true},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"invalid_input", ErrCodeInvalidInput, CategoryPermanent, false},
		{"internal", ErrCodeInternal, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			assert.Equal(t, tt.code, err.Code())
			assert.Equal(t, tt.wantCategory, err.Category())
			assert.Equal(t, tt.wantRetry, err.Retryable())
			assert.Equal(t, "boom", err.Error())
			assert.False(t, err.Timestamp().IsZero())
		})
	}
}

func TestWrap_PreservesCode(t *testing.T) {
	inner := New(ErrCodeUnavailable, "dial postgres", WithHost("10.0.0.1"))
	wrapped := Wrap(inner, "register node")

	assert.True(t, Is(wrapped, ErrCodeUnavailable))
	assert.True(t, IsTransient(wrapped))
	assert.Equal(t, "10.0.0.1", As(wrapped).Host())
	assert.True(t, errors.Is(wrapped, inner))
}

func TestWrap_ContextErrors(t *testing.T) {
	assert.Equal(t, ErrCodeTimeout, Code(Wrap(context.DeadlineExceeded, "sweep")))
	assert.Equal(t, ErrCodeCanceled, Code(Wrap(context.Canceled, "sweep")))
	assert.Equal(t, ErrCodeInternal, Code(Wrap(fmt.Errorf("plain"), "sweep")))
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("connection refused"), ErrCodeUnavailable, "list stale nodes")
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "connection refused")

	// A cancelled caller is not an outage.
	err = WrapWithCode(context.Canceled, ErrCodeUnavailable, "list stale nodes")
	assert.Equal(t, ErrCodeCanceled, Code(err))
}

func TestRetryableOverride(t *testing.T) {
	err := New(ErrCodeInternal, "flaky", WithRetryable(true))
	assert.True(t, err.Retryable())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(fmt.Errorf("unclassified")))
}

func TestMarshalJSON(t *testing.T) {
	err := New(ErrCodeNotFound, "node missing",
		WithHost("10.0.0.2"),
		WithMetadata("id", "abc"),
		WithCause(fmt.Errorf("no rows")),
	)

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "NOT_FOUND", decoded["code"])
	assert.Equal(t, "permanent", decoded["category"])
	assert.Equal(t, "10.0.0.2", decoded["host"])
	assert.Equal(t, "no rows", decoded["cause"])
	assert.Equal(t, false, decoded["retryable"])
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("nil map write")
	assert.Equal(t, ErrCodePanic, err.Code())
	assert.Equal(t, "string", err.Metadata()["panic_value"])
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "node not found", ErrCodeNotFound.Description())
	assert.Equal(t, "unknown error", ErrorCode("NOPE").Description())
	assert.Equal(t, "node not found", FromCode(ErrCodeNotFound).Error())
}
