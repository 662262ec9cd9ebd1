package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mr-carleone/server-for-nats/errors"
)

func TestMapErrorToHTTPStatus(t *testing.T) {
	cause := stderrors.New("nats: something")

	tests := []struct {
		name     string
		err      error
		expected int
		message  string
	}{
		{"nil", nil, http.StatusInternalServerError, "internal server error"},
		{"not found", errors.Tag(errors.ErrNotFound, cause), http.StatusNotFound, "stream not found"},
		{"invalid", errors.WrapInvalid(errors.ErrInvalidData, "c", "m", "a"), http.StatusBadRequest, "invalid request"},
		{"rate limited", errors.ErrRateLimited, http.StatusTooManyRequests, "rate limit exceeded"},
		{"connection", errors.WrapTransient(errors.Tag(errors.ErrConnection, cause), "c", "m", "a"), http.StatusServiceUnavailable, "broker temporarily unavailable"},
		{"publish", errors.Tag(errors.ErrPublish, cause), http.StatusBadGateway, "broker operation failed"},
		{"broker", errors.Tag(errors.ErrBroker, cause), http.StatusBadGateway, "broker operation failed"},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "c", "m", "a"), http.StatusServiceUnavailable, "broker temporarily unavailable"},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, mapErrorToHTTPStatus(test.err))
			assert.Equal(t, test.message, sanitizeError(test.err))
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadGateway, "broker operation failed")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error": "broker operation failed", "status": 502}`, rec.Body.String())
}
