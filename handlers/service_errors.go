package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/utils"
)

// HandleServiceError maps domain errors to HTTP responses. The response
// carries a generic message; the error and its reason code go to the log.
func HandleServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	logger = observability.WithRequest(r.Context(), logger)
	status, writeErr := utils.WriteServiceError(w, err)
	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("type", string(services.GetErrorType(err))),
		zap.String("code", services.GetErrorCode(err)),
		zap.String("reason", services.GetReason(err)),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", fields...)
	case status == http.StatusBadRequest:
		logger.Debug("request rejected", fields...)
	default:
		logger.Warn("request rejected", fields...)
	}
}
