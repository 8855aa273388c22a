package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/logging"
)

// sseHeartbeatInterval keeps idle connections alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

// events streams agent events over SSE. An optional sessionID query
// parameter narrows the stream to one session.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	filter := r.URL.Query().Get("sessionID")

	messages, err := s.bus.Messages(r.Context())
	if err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			msg.Ack()
			if filter != "" && msg.Metadata.Get("sessionID") != filter {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				logging.Debug().Err(err).Msg("dropping malformed event envelope")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event.Type, msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
