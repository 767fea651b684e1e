package services

import (
	"context"
	"errors"
	"net/http"

	"proctord/internal/auth"
	"proctord/internal/media"
	"proctord/internal/page"
	"proctord/internal/proctor"
)

// ServiceError is an error with an HTTP status and a stable name
type ServiceError struct {
	Name    string      `json:"name"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	status  int
}

func (e *ServiceError) Error() string {
	return e.Name + ": " + e.Message
}

func badRequest(msg string) *ServiceError {
	return &ServiceError{Name: "bad_request", Message: msg, status: http.StatusBadRequest}
}

func unauthorized(msg string) *ServiceError {
	return &ServiceError{Name: "unauthorized", Message: msg, status: http.StatusUnauthorized}
}

// toServiceError maps domain errors onto HTTP responses
func toServiceError(err error) *ServiceError {
	var (
		se   *ServiceError
		acq  *media.AcquisitionError
		capE *page.CapabilityError
		deny *AccessDeniedError
		pers *proctor.PersistenceError
	)

	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &acq):
		return &ServiceError{
			Name:    "acquisition_failed",
			Message: err.Error(),
			Details: map[string]string{"reason": string(acq.Reason)},
			status:  http.StatusConflict,
		}
	case errors.As(err, &capE):
		return &ServiceError{
			Name:    "unsupported_browser",
			Message: err.Error(),
			Details: capE.Report,
			status:  http.StatusPreconditionFailed,
		}
	case errors.As(err, &deny):
		return &ServiceError{
			Name:    "access_denied",
			Message: deny.Access.Reason,
			Details: deny.Access,
			status:  http.StatusForbidden,
		}
	case errors.Is(err, ErrAttemptNotFound), errors.Is(err, ErrSessionNotFound):
		return &ServiceError{Name: "not_found", Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, ErrAttemptActive), errors.Is(err, ErrUserBusy), errors.Is(err, proctor.ErrSessionClosed):
		return &ServiceError{Name: "conflict", Message: err.Error(), status: http.StatusConflict}
	case errors.Is(err, ErrNotProctored):
		return &ServiceError{Name: "not_proctored", Message: err.Error(), status: http.StatusBadRequest}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return &ServiceError{Name: "unauthorized", Message: err.Error(), status: http.StatusUnauthorized}
	case errors.Is(err, auth.ErrForbidden):
		return &ServiceError{Name: "forbidden", Message: err.Error(), status: http.StatusForbidden}
	case errors.Is(err, context.DeadlineExceeded):
		return &ServiceError{Name: "page_not_connected", Message: err.Error(), status: http.StatusGatewayTimeout}
	case errors.As(err, &pers):
		return &ServiceError{Name: "persistence_failed", Message: err.Error(), status: http.StatusInternalServerError}
	default:
		return &ServiceError{Name: "internal", Message: err.Error(), status: http.StatusInternalServerError}
	}
}
