package apperrors

import (
	"context"
	"errors"
	"net/http"
)

// ErrorResponse is the JSON body of a failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// Error classes in match order. The first sentinel err wraps wins.
var classes = []struct {
	sentinel error
	status   int
	code     string
}{
	{ErrValidation, http.StatusBadRequest, "validation"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrConflict, http.StatusConflict, "conflict"},
	{ErrInvalidState, http.StatusConflict, "invalid_state"},
	{ErrNotSupported, http.StatusNotImplemented, "not_supported"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable class of err, "internal" when it has none.
func Code(err error) string {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return "internal"
}

// Response builds the API error body for err. Internal errors are not
// described to the caller.
func Response(err error) ErrorResponse {
	code := Code(err)
	if code == "internal" {
		return ErrorResponse{Error: "internal error", Code: code}
	}
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var appErr *Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	return resp
}
