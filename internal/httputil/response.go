package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"parlor/internal/domain"
)

// Error codes carried in the error envelope
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeCandidateLimit = "CANDIDATE_LIMIT"
	CodeInternal       = "INTERNAL_ERROR"
)

// SuccessEnvelope wraps every successful JSON response
type SuccessEnvelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
	Data    interface{} `json:"data"`
}

// ErrorEnvelope is the body of every non-2xx JSON response
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"status"`
}

// RespondJSON writes data inside a success envelope.
// It handles encoding errors safely by marshaling first, preventing
// partial responses if encoding fails after headers are sent.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	payload, err := json.Marshal(SuccessEnvelope{
		Code:    "OK",
		Message: "success",
		Status:  status,
		Data:    data,
	})
	if err != nil {
		RespondError(w, http.StatusInternalServerError, CodeInternal, "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// RespondError writes an error envelope
func RespondError(w http.ResponseWriter, status int, code, message string) {
	payload, err := json.Marshal(ErrorEnvelope{
		Code:    code,
		Message: message,
		Status:  status,
	})
	if err != nil {
		// Fallback to plain text if JSON encoding fails
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// RespondDomainError converts domain errors to HTTP responses
func RespondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCandidateLimit):
		RespondError(w, http.StatusConflict, CodeCandidateLimit, err.Error())
	case errors.Is(err, domain.ErrValidation):
		RespondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		RespondError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		RespondError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
	case errors.Is(err, domain.ErrConflict):
		RespondError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
