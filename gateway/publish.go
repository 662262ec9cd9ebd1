package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/natsclient"
)

// SendResponse is the POST /send acknowledgment.
type SendResponse struct {
	Status string `json:"status"`
}

const statusMessageSent = "Message sent"

// handleSend publishes a JSON object body to the durable subject on a
// session of its own. It does not touch the connection registry: duplex
// clients see the message once the listener receives it from the stream.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.fail(w, r, errors.ErrRateLimited)
		return
	}

	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)

	// Values stay raw so numbers keep their exact digits.
	var envelope map[string]json.RawMessage
	dec := json.NewDecoder(body)
	err := dec.Decode(&envelope)
	if err == nil {
		err = requireEnd(dec)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.fail(w, r, errors.WrapInvalid(errors.Tag(errors.ErrInvalidData, err),
			"Server", "handleSend", "decode request body"))
		return
	}
	if envelope == nil {
		s.fail(w, r, errors.WrapInvalid(errors.ErrInvalidData,
			"Server", "handleSend", "request body must be a JSON object"))
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		s.fail(w, r, errors.WrapInvalid(errors.Tag(errors.ErrInvalidData, err),
			"Server", "handleSend", "encode message"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	err = natsclient.WithSession(ctx, s.opener, func(session natsclient.Session) error {
		return session.Publish(ctx, s.cfg.Subject, payload)
	})
	s.metrics.RecordPublish(err == nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SendResponse{Status: statusMessageSent})
}

// requireEnd fails unless only whitespace follows the decoded value.
func requireEnd(dec *json.Decoder) error {
	err := dec.Decode(&struct{}{})
	switch {
	case err == io.EOF:
		return nil
	case err == nil:
		return stderrors.New("unexpected data after JSON object")
	default:
		return err
	}
}
