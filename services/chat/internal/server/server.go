package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/internal/ratelimit"
	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
	"github.com/selzzaf/desktopchatapp/pkg/session"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	Bus pushbus.Bus

	// Ready reports store connectivity for /healthz. Nil means always ready.
	Ready func() bool
	// JWKS publishes token verification keys. Nil publishes none.
	JWKS func() []session.JWK

	// Nil limiters disable rate limiting for that route.
	SignupLimiter  *ratelimit.FixedWindowLimiter
	LoginLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	bus            pushbus.Bus
	ready          func() bool
	jwks           func() []session.JWK
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	upgrader       websocket.Upgrader
	mux            *http.ServeMux

	// open WebSocket sessions per user
	sessionsMu sync.Mutex
	sessions   map[string]int
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		app:            cfg.App,
		bus:            cfg.Bus,
		ready:          ready,
		jwks:           cfg.JWKS,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		upgrader:       newUpgrader(cfg.AllowedOrigins),
		mux:            http.NewServeMux(),
		sessions:       make(map[string]int),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	handler := util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))
	handler = util.WithRequestMetrics(observeRequest, handler)
	return util.WithRequestID(util.WithRequestLog("chat", handler))
}

func observeRequest(r *http.Request, status int, elapsed time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.ObserveRequest(route, status, elapsed)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/auth/status", s.handleStatus)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.HandleFunc("/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	// contacts
	s.mux.Handle("/api/contacts", s.authenticated(s.handleContacts))
	s.mux.Handle("/api/contacts/{id}", s.authenticated(s.handleContactByID))

	// messages
	s.mux.Handle("/api/messages", s.authenticated(s.handleMessages))
	s.mux.Handle("/api/messages/stream", s.authenticated(s.handleMessageStream))
	s.mux.Handle("/api/messages/{id}/read", s.authenticated(s.handleMarkRead))
	s.mux.Handle("/api/conversations/{with}/read", s.authenticated(s.handleConversationRead))
	s.mux.Handle("/api/typing", s.authenticated(s.handleTyping))

	// push
	s.mux.Handle("/ws", s.authenticated(s.handleWebSocket))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	keys := []session.JWK{}
	if s.jwks != nil {
		keys = append(keys, s.jwks()...)
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := requestToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeAppError(w, r, err)
			return
		}
		s.app.Touch(r.Context(), user.ID)
		next(w, r, user)
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(r.Context(), util.ClientIP(r, s.trustedProxies)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError maps the application error classes onto HTTP statuses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *app.PartialEdgeError
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "contact relationship only partially written; retry to repair",
			"applied": partial.Applied,
			"failed":  partial.Failed,
		})
	case errors.Is(err, app.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		util.LoggerFromContext(r.Context()).Warn("store timeout", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusGatewayTimeout, "store timeout")
	case errors.Is(err, app.ErrStorage):
		util.LoggerFromContext(r.Context()).Error("store unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("internal error", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

// requestToken also accepts ?access_token= because browsers cannot set
// headers on EventSource and WebSocket requests.
func requestToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		return token, true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}
