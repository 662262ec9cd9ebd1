package gateway

import (
	"context"
	"net/http"

	"github.com/mr-carleone/server-for-nats/natsclient"
)

// CountResponse is the GET /message_count body.
type CountResponse struct {
	Count uint64 `json:"count"`
}

// handleMessageCount reports the durable stream's message count. A missing
// stream is an error, never a zero count.
func (s *Server) handleMessageCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var info natsclient.StreamInfo
	err := natsclient.WithSession(ctx, s.opener, func(session natsclient.Session) error {
		var err error
		info, err = session.StreamInfo(ctx, s.cfg.Stream)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CountResponse{Count: info.Messages})
}
