package httpapi

import (
	"errors"
	"net/http"

	"skyguard-telemetry/internal/models"
)

// Result is the response envelope of every JSON endpoint.
// - code: ResultSuccess on success, ResultError otherwise
// - type: 'success' | 'error'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message}
}

// failFor maps a view error to its HTTP status and envelope. Errors that are
// not part of the view contract are reported as internal, without detail.
func failFor(err error) (status int, res Result[any], internal bool) {
	switch {
	case errors.Is(err, models.ErrUnknownChannel):
		return http.StatusBadRequest, Fail(err.Error()), false
	case errors.Is(err, models.ErrChannelDisabled), errors.Is(err, models.ErrUnknownEntity):
		return http.StatusNotFound, Fail(err.Error()), false
	default:
		return http.StatusInternalServerError, Fail("internal error"), true
	}
}
