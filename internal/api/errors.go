package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/domain"
)

type errorBody struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error"`
	VersionID   int64    `json:"version_id,omitempty"`
	FeedbackIDs []string `json:"feedback_ids,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, errorBody{Error: fmt.Sprintf(format, args...)})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var partial *domain.PartialRetrainError
	switch {
	case errors.As(err, &partial):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoModelTrained), errors.Is(err, domain.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRetrainTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if errors.Is(err, domain.ErrNoModelTrained) {
		return "No trained model available"
	}
	return err.Error()
}

// respondError writes err as a structured failure. Server-side failures are
// logged.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := statusFor(err)
	body := errorBody{Error: errorMessage(err)}

	var partial *domain.PartialRetrainError
	if errors.As(err, &partial) {
		body.VersionID = partial.VersionID
		body.FeedbackIDs = partial.FeedbackIDs
	}
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, body)
}
