package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"classchat/pkg/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
// Anything outside the taxonomy is a storage or programming failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err with the consistent error body.
// Internal failures are logged with their cause and reported without it.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	code := statusFor(err)

	message := types.Reason(err)
	if code == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		message = "internal server error"
	} else if code == http.StatusBadGateway {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("collaborator failure")
	}

	sendError(w, message, code)
}

func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
