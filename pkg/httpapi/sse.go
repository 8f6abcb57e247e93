package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/stream"
)

// handleEvents serves the per-room mutation feed as Server-Sent Events. The
// connection stays open until the client disconnects; heartbeats keep
// intermediaries from timing it out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(mux.Vars(r)["roomID"])
	since, ok := s.int64Param(w, r, "since")
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.streamer.Run(r.Context(), roomID, since, func(evt *stream.Event) error {
		data, encErr := json.Marshal(evt)
		if encErr != nil {
			return encErr
		}
		if _, wErr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); wErr != nil {
			return wErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.log.Error().Err(err).Stringer("room_id", roomID).Msg("Event stream ended with error")
	}
}
