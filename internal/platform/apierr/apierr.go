// Package apierr translates engine errors into HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

var (
	// ErrNotFound is wrapped by every store when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped by invariant violations other than transitions.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalid builds a ValidationError.
func Invalid(msg string) error { return &ValidationError{Msg: msg} }

// Response is the JSON body of every rejected request.
type Response struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Stale bool   `json:"stale,omitempty"`
}

// ToHTTP maps err onto an *echo.HTTPError carrying a Response body.
func ToHTTP(err error) *echo.HTTPError {
	var ve *ValidationError
	var te *fsm.TransitionError

	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, Response{Error: ve.Msg, Code: "validation"})
	case errors.Is(err, auth.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, Response{Error: err.Error(), Code: "forbidden"})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, Response{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, Response{Error: te.Error(), Code: "invalid_transition", Stale: te.Stale})
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, Response{Error: err.Error(), Code: "conflict"})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, Response{Error: "internal server error", Code: "internal"})
	}
}
