package gateway

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/mr-carleone/server-for-nats/errors"
)

// mapErrorToHTTPStatus maps bridge errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrConnection):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrPublish), stderrors.Is(err, errors.ErrBroker):
		return http.StatusBadGateway
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe error message for external clients.
// Broker subjects, URLs and wrapped causes never leave the process.
func sanitizeError(err error) string {
	switch mapErrorToHTTPStatus(err) {
	case http.StatusTooManyRequests:
		return "rate limit exceeded"
	case http.StatusNotFound:
		return "stream not found"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusServiceUnavailable:
		return "broker temporarily unavailable"
	case http.StatusBadGateway:
		return "broker operation failed"
	default:
		return "internal server error"
	}
}

// fail logs the full error and writes its sanitized form.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", w.Header().Get("X-Request-ID"),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Info("request rejected", attrs...)
	}
	writeError(w, status, sanitizeError(err))
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
