package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorTypeValidation, "bad layer config")
	assert.Equal(t, "validation: bad layer config", err.Error())

	wrapped := Wrap(stderrors.New("dial tcp: refused"), ErrorTypeConnection, "source unreachable")
	assert.Equal(t, "connection: source unreachable: dial tcp: refused", wrapped.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeWrite, "flush"))
	assert.Nil(t, Wrapf(nil, ErrorTypeWrite, "flush %s", "roads"))
}

func TestUnwrapChain(t *testing.T) {
	cause := stderrors.New("root")
	err := Wrap(cause, ErrorTypeQuery, "select failed")
	assert.True(t, stderrors.Is(err, cause))

	var typed *Error
	require.True(t, stderrors.As(fmt.Errorf("outer: %w", err), &typed))
	assert.Equal(t, ErrorTypeQuery, typed.Type)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "pool exhausted")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline exceeded")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "no key columns")))
	assert.False(t, IsRetryable(New(ErrorTypeWrite, "tx aborted")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))

	// Retryability survives wrapping.
	inner := New(ErrorTypeConnection, "socket closed")
	assert.True(t, IsRetryable(fmt.Errorf("sync: %w", inner)))
}

func TestIsType(t *testing.T) {
	err := Newf(ErrorTypeNotFound, "layer %s missing", "roads")
	assert.True(t, IsType(err, ErrorTypeNotFound))
	assert.False(t, IsType(err, ErrorTypeConnection))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeNotFound))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeParse, "unreadable geometry").
		WithDetail("column", "geom").
		WithDetail("row", 42)
	assert.Equal(t, "geom", err.Details["column"])
	assert.Equal(t, 42, err.Details["row"])
}
