package api

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// APIError is a custom error type that implements huma.StatusError.
// It maps domain errors to HTTP responses with consistent structure.
type APIError struct { //nolint:revive // API prefix is intentional for clarity
	status  int
	Code    string `json:"code" doc:"Machine-readable error code"`
	Message string `json:"message" doc:"Human-readable error message"`
	Details any    `json:"details,omitempty" doc:"Additional error details"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// GetStatus implements huma.StatusError.
func (e *APIError) GetStatus() int {
	return e.status
}

// ContentType returns the content type for the error response.
func (e *APIError) ContentType(_ string) string {
	return "application/json"
}

// RegisterErrorHandler configures huma to use domain errors.
// Call this after creating the huma.API but before registering routes.
func RegisterErrorHandler() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		for _, err := range errs {
			var domainErr *domainerrors.Error
			if errors.As(err, &domainErr) {
				return &APIError{
					status:  domainErr.HTTPStatus(),
					Code:    string(domainErr.Code),
					Message: domainErr.Message,
					Details: domainErr.Details,
				}
			}

			var unknown *rowstore.UnknownCollectionError
			if errors.As(err, &unknown) {
				return &APIError{
					status:  domainerrors.CodeNotFound.HTTPStatus(),
					Code:    string(domainerrors.CodeNotFound),
					Message: unknown.Error(),
				}
			}
		}

		// Request validation failures carry huma's per-field details.
		var details any
		if len(errs) > 0 && status < 500 {
			details = errorMessages(errs)
		}

		return &APIError{
			status:  status,
			Code:    string(domainerrors.FromHTTPStatus(status)),
			Message: message,
			Details: details,
		}
	}
}

func errorMessages(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}
