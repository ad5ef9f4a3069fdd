package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/app"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type addContactRequest struct {
	ContactID string `json:"contactId"`
	Email     string `json:"email"`
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type markReadRequest struct {
	With string `json:"with"`
}

type typingRequest struct {
	To string `json:"to"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		return
	}
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		return
	}
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.UpdateStatus(r.Context(), token, req.Status); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req renameRequest
		if !decodeBody(w, r, &req) {
			return
		}
		updated, err := s.app.Rename(r.Context(), user, req.Name)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.DeleteAccount(r.Context(), user); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.app.ListContacts(r.Context(), user.ID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(contacts))
	case http.MethodPost:
		var req addContactRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if email := strings.TrimSpace(req.Email); email != "" {
			contact, err := s.app.AddContactByEmail(r.Context(), user.ID, email)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, contact)
			return
		}
		if err := s.app.AddContact(r.Context(), user.ID, strings.TrimSpace(req.ContactID)); err != nil {
			writeAppError(w, r, err)
			return
		}
		contact, err := s.app.GetUser(r.Context(), strings.TrimSpace(req.ContactID))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, contact)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleContactByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.RemoveContact(r.Context(), user.ID, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := s.app.Send(r.Context(), user.ID, strings.TrimSpace(req.To), req.Content)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	case http.MethodGet:
		with := strings.TrimSpace(r.URL.Query().Get("with"))
		if with == "" {
			writeError(w, http.StatusBadRequest, "with is required")
			return
		}
		limit := app.DefaultHistoryLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		messages, err := s.app.History(r.Context(), user.ID, with, limit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(messages))
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req markReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	convID, err := conversation.Resolve(user.ID, strings.TrimSpace(req.With))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.MarkRead(r.Context(), r.PathValue("id"), convID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConversationRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkConversationRead(r.Context(), user.ID, r.PathValue("with")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req typingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Typing(r.Context(), user.ID, strings.TrimSpace(req.To)); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
