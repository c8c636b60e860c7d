// Package server provides the HTTP API of the recipe creation service.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/pipeline"
	"github.com/jonathan/recipe-agent/internal/recipe"
)

// ErrForbidden indicates the caller does not own the recipe.
var ErrForbidden = errors.New("recipe belongs to another user")

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var verr *ErrValidation
	switch {
	case errors.As(err, &verr), errors.Is(err, recipe.ErrInvalidSourceURL):
		return http.StatusBadRequest
	case errors.Is(err, recipe.ErrDuplicateRequest), errors.Is(err, pipeline.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, credit.ErrCreditInsufficient):
		return http.StatusPaymentRequired
	case errors.Is(err, credit.ErrCreditInvalidUser), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, recipe.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrUnavailable), errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the machine-readable code reported with an error.
func ErrorCode(err error) string {
	var verr *ErrValidation
	switch {
	case errors.As(err, &verr), errors.Is(err, recipe.ErrInvalidSourceURL):
		return "VALIDATION_ERROR"
	case errors.Is(err, recipe.ErrDuplicateRequest):
		return "DUPLICATE_REQUEST"
	case errors.Is(err, pipeline.ErrNotRunning):
		return "NOT_RUNNING"
	case errors.Is(err, credit.ErrCreditInsufficient):
		return string(credit.KindInsufficient)
	case errors.Is(err, credit.ErrCreditInvalidUser):
		return string(credit.KindInvalidUser)
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, recipe.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, credit.ErrUnavailable):
		return string(credit.KindUnavailable)
	case errors.Is(err, pipeline.ErrShuttingDown):
		return "SHUTTING_DOWN"
	default:
		return "INTERNAL"
	}
}
