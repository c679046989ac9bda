package api

import (
	"encoding/json"
	"net/http"

	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error code to its HTTP status
func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidRequest, models.CodeBatchSizeExceeded, models.CodeUnknownProvider:
		return http.StatusBadRequest
	case models.CodeJobNotFound, models.CodeEntryNotFound, models.CodeAlertNotFound:
		return http.StatusNotFound
	case models.CodeAlreadyResolved, models.CodeNotCancellable, models.CodeNonRetryable:
		return http.StatusConflict
	case models.CodeCostLimitExceeded, models.CodeCostThresholdExceeded:
		return http.StatusUnprocessableEntity
	case models.CodeRateLimited:
		return http.StatusTooManyRequests
	case models.CodeNoEligibleProvider, models.CodeNoHealthyFallback:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := models.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = "INTERNAL"
	}
	if status >= 500 {
		h.logger.Error("request failed", logging.Fields{"path": r.URL.Path, "error": err})
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func badRequest(format string, args ...interface{}) error {
	return models.Errorf(models.CodeInvalidRequest, format, args...)
}
