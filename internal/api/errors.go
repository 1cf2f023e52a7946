package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type errorDetail struct {
	Message  string           `json:"message"`
	Type     string           `json:"type"`
	Code     int              `json:"code"`
	Path     string           `json:"path,omitempty"`
	Attempts []domain.Attempt `json:"attempts,omitempty"`
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

// statusFor maps the gateway error taxonomy to an HTTP status and error
// type.
func statusFor(err error) (int, string) {
	var upErr *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrNoRoute):
		return http.StatusBadRequest, "no_route"
	case errors.Is(err, domain.ErrInvalidAPIKey), errors.Is(err, domain.ErrOrganizationNotFound):
		return http.StatusUnauthorized, "authentication"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusTooManyRequests, "insufficient_credits"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrAllCandidatesFailed):
		return http.StatusBadGateway, "exhausted"
	case errors.Is(err, domain.ErrTranslation):
		return http.StatusBadGateway, "translation"
	case errors.As(err, &upErr):
		return http.StatusBadGateway, "upstream"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, typ := statusFor(err)
	detail := errorDetail{Message: err.Error(), Type: typ, Code: status}
	if status == http.StatusInternalServerError {
		detail.Message = "internal error"
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		detail.Path = verr.Path
	}
	var exhausted *domain.ExhaustedError
	if errors.As(err, &exhausted) {
		detail.Attempts = exhausted.Attempts
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
