package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	e := NewError(ErrUnavailable, "index unreachable")
	assert.Equal(t, "[UNAVAILABLE] index unreachable", e.Error())

	e = e.WithCause(errors.New("dial tcp: connection refused"))
	assert.Contains(t, e.Error(), "connection refused")
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, NewError(ErrUnavailable, "x").Retryable)
	assert.True(t, NewError(ErrTimeout, "x").Retryable)
	assert.True(t, NewError(ErrConflict, "x").Retryable)
	assert.False(t, NewError(ErrInvalidInput, "x").Retryable)
	assert.False(t, NewError(ErrRateLimited, "x").Retryable)
	assert.False(t, NewError(ErrSchemaMismatch, "x").Retryable)
}

func TestGetErrorCode_WrappedAndContext(t *testing.T) {
	base := NewError(ErrAuthFailed, "bad key")
	wrapped := fmt.Errorf("embed: %w", base)
	assert.Equal(t, ErrAuthFailed, GetErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrAuthFailed))

	assert.Equal(t, ErrCancelled, GetErrorCode(context.Canceled))
	assert.Equal(t, ErrTimeout, GetErrorCode(context.DeadlineExceeded))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("call: %w", NewError(ErrTimeout, "budget exceeded"))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}
