package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const heartbeatInterval = 25 * time.Second

// StreamEvents handles GET /api/v1/events as a server-sent event stream of
// the caller's queue changes.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, r, http.StatusServiceUnavailable, "Event stream not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, r, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	userID := UserIDFromContext(r.Context())
	clientID := uuid.NewString()
	client := s.events.Subscribe(userID, clientID)
	defer s.events.Unsubscribe(userID, clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-client.Events:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}
