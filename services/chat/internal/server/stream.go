package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

var streamHeartbeat = 25 * time.Second

// handleMessageStream pushes each message addressed to the caller as a
// server-sent "message" event until the client goes away.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc := http.NewResponseController(w)
	// The server WriteTimeout would otherwise cut long-lived streams.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		util.LoggerFromContext(r.Context()).Debug("clear write deadline failed", "err", err)
	}

	stream, err := s.app.Subscribe(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer stream.Close()

	metrics.ActiveStreams.WithLabelValues("sse").Inc()
	defer metrics.ActiveStreams.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		util.LoggerFromContext(r.Context()).Warn("streaming unsupported", "err", err)
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case msg, ok := <-stream.C:
			if !ok {
				return
			}
			if err := writeEvent(w, "message", msg.ID, msg); err != nil {
				util.LoggerFromContext(r.Context()).Debug("stream write failed", "user_id", user.ID, "err", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
