package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsMapStatusAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		code      string
		status    int
		retryable bool
	}{
		{"validation", ValidationError("prompt", "too long"), ErrCodeValidation, http.StatusBadRequest, false},
		{"bad request", BadRequest("nope"), ErrCodeValidation, http.StatusBadRequest, false},
		{"not found", NotFound("task", "t1"), ErrCodeNotFound, http.StatusNotFound, false},
		{"no workers", NoWorkers(), ErrCodeNoWorkers, http.StatusServiceUnavailable, true},
		{"capacity", CapacityExceeded(5, 5), ErrCodeCapacityExceeded, http.StatusServiceUnavailable, true},
		{"dispatch", DispatchFailed("http://w", fmt.Errorf("refused")), ErrCodeDispatchFailed, http.StatusBadGateway, false},
		{"timeout", Timeout("deadline"), ErrCodeTimeout, http.StatusGatewayTimeout, false},
		{"executor", ExecutorError("crashed", true, nil), ErrCodeExecutorError, http.StatusInternalServerError, true},
		{"no executor", NoExecutor(nil), ErrCodeNoExecutor, http.StatusServiceUnavailable, true},
		{"invalid state", InvalidState("busy"), ErrCodeInvalidState, http.StatusConflict, false},
		{"internal", Internal("boom", nil), ErrCodeInternal, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
		})
	}
}

func TestWrapPreservesAppError(t *testing.T) {
	inner := NoWorkers()
	wrapped := Wrap(inner, "submit failed")

	assert.Equal(t, ErrCodeNoWorkers, wrapped.Code)
	assert.Equal(t, http.StatusServiceUnavailable, wrapped.HTTPStatus)
	assert.True(t, wrapped.Retryable)
	assert.Contains(t, wrapped.Message, "submit failed")
	assert.True(t, IsCode(wrapped, ErrCodeNoWorkers))
}

func TestWrapUnknownError(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("plain"), "context")
	assert.Equal(t, ErrCodeInternal, wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, wrapped.HTTPStatus)

	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsRetryable(NoWorkers()))
	assert.False(t, IsRetryable(NotFound("task", "t1")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))

	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("task", "t1")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(fmt.Errorf("plain")))

	appErr := AsAppError(fmt.Errorf("plain"))
	require.NotNil(t, appErr)
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.Nil(t, AsAppError(nil))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := DispatchFailed("http://w", fmt.Errorf("connection refused"))
	assert.Contains(t, err.Error(), ErrCodeDispatchFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.EqualError(t, err.Unwrap(), "connection refused")
}
