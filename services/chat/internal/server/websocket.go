package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsMaxFrame     = 64 << 10
)

// wsRequest is a client frame: "send", "typing" or "read".
type wsRequest struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	With    string `json:"with,omitempty"`
}

// wsFrame is a server frame. Exactly one payload field is set per type.
type wsFrame struct {
	Type     string                `json:"type"`
	Message  *domain.Message       `json:"message,omitempty"`
	Typing   *domain.TypingEvent   `json:"typing,omitempty"`
	Presence *domain.PresenceEvent `json:"presence,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func sendJSON(ws *websocket.Conn, v any) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("websocket write failed", "err", err)
	}
	return err
}

// handleWebSocket runs one push session: messages and typing indicators
// from the bus, contact presence from the store, and inbound client frames.
// The user is online for the life of the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, user domain.User) {
	logger := util.LoggerFromContext(r.Context()).With("user_id", user.ID)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	metrics.ActiveStreams.WithLabelValues("ws").Inc()
	defer metrics.ActiveStreams.WithLabelValues("ws").Dec()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	out := make(chan wsFrame, 32)
	enqueue := func(f wsFrame) {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx, ws, out)
		cancel()
		_ = ws.Close()
	}()

	sub, err := s.bus.Subscribe(ctx, pushbus.ChatTopic(user.ID), pushbus.TypingTopic(user.ID))
	if err != nil {
		logger.Error("push subscribe failed", "err", err)
		enqueue(wsFrame{Type: "error", Error: "push unavailable"})
		return
	}
	defer sub.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		relayBus(ctx, sub, user.ID, enqueue)
	}()

	watch, err := s.app.SubscribeToContactPresence(ctx, user.ID, func(ev domain.PresenceEvent) {
		enqueue(wsFrame{Type: "presence", Presence: &ev})
	})
	if err != nil {
		logger.Warn("presence subscribe failed", "err", err)
	} else {
		defer watch.Close()
	}

	s.attach(user.ID)
	if err := s.app.SetStatus(ctx, user.ID, domain.StatusOnline); err != nil {
		logger.Warn("set online failed", "err", err)
	}
	defer func() {
		if !s.detach(user.ID) {
			return
		}
		offCtx, offCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer offCancel()
		if err := s.app.SetStatus(offCtx, user.ID, domain.StatusOffline); err != nil {
			logger.Warn("set offline failed", "err", err)
		}
		// A socket opened while the offline write was in flight.
		if s.sessionCount(user.ID) > 0 {
			if err := s.app.SetStatus(offCtx, user.ID, domain.StatusOnline); err != nil {
				logger.Warn("set online failed", "err", err)
			}
		}
	}()

	logger.Info("websocket connected")
	s.readPump(ctx, ws, user, enqueue)
	logger.Info("websocket closed")
}

func (s *Server) attach(userID string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[userID]++
}

// detach reports whether the last socket of userID closed.
func (s *Server) detach(userID string) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[userID]--
	if s.sessions[userID] > 0 {
		return false
	}
	delete(s.sessions, userID)
	return true
}

func (s *Server) sessionCount(userID string) int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[userID]
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, user domain.User, enqueue func(wsFrame)) {
	ws.SetReadLimit(wsMaxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		s.app.Touch(ctx, user.ID)
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var req wsRequest
		if err := ws.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				enqueue(wsFrame{Type: "error", Error: "invalid JSON frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LoggerFromContext(ctx).Debug("websocket read failed", "user_id", user.ID, "err", err)
			}
			return
		}
		s.app.Touch(ctx, user.ID)
		if err := s.handleFrame(ctx, user, req, enqueue); err != nil {
			enqueue(wsFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, user domain.User, req wsRequest, enqueue func(wsFrame)) error {
	switch req.Type {
	case "send":
		msg, err := s.app.Send(ctx, user.ID, req.To, req.Content)
		if err != nil {
			return err
		}
		enqueue(wsFrame{Type: "sent", Message: &msg})
		return nil
	case "typing":
		return s.app.Typing(ctx, user.ID, req.To)
	case "read":
		convID, err := conversation.Resolve(user.ID, req.With)
		if err != nil {
			return err
		}
		return s.app.MarkRead(ctx, req.ID, convID)
	default:
		return errors.New("unknown frame type")
	}
}

func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, out <-chan wsFrame) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case f := <-out:
			if err := sendJSON(ws, f); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func relayBus(ctx context.Context, sub *pushbus.Subscription, userID string, enqueue func(wsFrame)) {
	typingTopic := pushbus.TypingTopic(userID)
	for m := range sub.C {
		if m.Topic == typingTopic {
			var ev domain.TypingEvent
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				util.LoggerFromContext(ctx).Warn("decode typing event failed", "err", err)
				continue
			}
			enqueue(wsFrame{Type: "typing", Typing: &ev})
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			util.LoggerFromContext(ctx).Warn("decode pushed message failed", "err", err)
			continue
		}
		enqueue(wsFrame{Type: "message", Message: &msg})
	}
}
