package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskengine/internal/api/shared"
	"github.com/phrazzld/taskengine/internal/domain"
)

// errBadRequest marks malformed input detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidWorker),
		errors.Is(err, domain.ErrUnknownStrategy):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnknownWorker):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrDuplicateDedupeKey),
		errors.Is(err, domain.ErrLeaseExpiredOrNotOwned),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, domain.ErrStorageContention),
		errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return SanitizeValidationError(verrs)
	case errors.Is(err, errBadRequest):
		return "Invalid request"
	case errors.Is(err, domain.ErrInvalidTask):
		return "Invalid task"
	case errors.Is(err, domain.ErrInvalidWorker):
		return "Invalid worker"
	case errors.Is(err, domain.ErrUnknownStrategy):
		return "Unknown scheduling strategy"
	case errors.Is(err, domain.ErrNotFound):
		return "Task not found"
	case errors.Is(err, domain.ErrUnknownWorker):
		return "Worker not registered"
	case errors.Is(err, domain.ErrDuplicateDedupeKey):
		return "Dedupe key already used"
	case errors.Is(err, domain.ErrLeaseExpiredOrNotOwned):
		return "Lease expired or not owned by this worker"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "Operation not allowed in the task's current state"
	case errors.Is(err, domain.ErrStorageContention),
		errors.Is(err, domain.ErrStorageUnavailable):
		return "Storage temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError names the first failing field without echoing its
// value.
func SanitizeValidationError(verrs validator.ValidationErrors) string {
	if len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "invalid id"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the status and safe message for err.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
