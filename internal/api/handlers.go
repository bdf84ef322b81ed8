// Package api exposes the HTTP surface: account signup and login, the user
// directory, message history and sending, vote toggles, and the websocket
// upgrade endpoint.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dmrelay/internal/auth"
	"dmrelay/internal/chat"
	"dmrelay/internal/models"
	"dmrelay/internal/storage"
)

const (
	passwordMinLength = 8
	passwordMaxLength = 20
)

type Handler struct {
	Store    storage.Repository
	Gateway  *chat.Gateway
	Sessions *auth.SessionManager
	Logger   *slog.Logger
}

func NewHandler(store storage.Repository, gateway *chat.Gateway, sessions *auth.SessionManager, logger *slog.Logger) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Gateway: gateway, Sessions: sessions, Logger: logger}
}

// Accounts

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("username is required"))
		return
	}
	if len(req.Password) < passwordMinLength || len(req.Password) > passwordMaxLength {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("password must be between %d and %d characters", passwordMinLength, passwordMaxLength))
		return
	}
	user, err := h.Store.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	h.Logger.Info("user registered", "user", user.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	user, err := h.Store.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	token, _, err := h.Sessions.Create(user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create session: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, Username: user.Username})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	if err := h.Sessions.Revoke(ExtractToken(r)); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("revoke session: %w", err))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Directory

func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	caller, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	usernames, err := h.Store.ListUsernames(r.Context(), caller)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": usernames})
}

// Messages

type sendMessageRequest struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req sendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		if strings.TrimSpace(req.Receiver) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("receiver is required"))
			return
		}
		message, err := h.Gateway.SendMessage(r.Context(), caller, req.Receiver, req.Content)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
	case http.MethodGet:
		other := strings.TrimSpace(r.URL.Query().Get("with"))
		if other == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter %q is required", "with"))
			return
		}
		messages, err := h.Gateway.ListMessages(r.Context(), caller, other)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]models.Message{"messages": messages})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

// MessageByID dispatches /api/messages/{id}/upvote, .../downvote, and
// .../tally.
func (h *Handler) MessageByID(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	messageID, action := parts[0], parts[1]
	switch action {
	case "upvote", "downvote":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		message, err := h.Gateway.CastVote(r.Context(), caller, messageID, models.VoteType(action))
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, message)
	case "tally":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		tally, err := h.Gateway.MessageTally(r.Context(), messageID)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"upvotes":   tally.Upvotes,
			"downvotes": tally.Downvotes,
		})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

// Websocket authenticates the request and hands the connection to the chat
// gateway. Browser clients pass the session token as a query parameter.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	username, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	h.Gateway.HandleConnection(w, r, username)
}

// Health reports liveness of the store and the session backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	payload := map[string]string{"status": "ok"}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["store"] = err.Error()
		}
	}
	if h.Sessions != nil {
		if err := h.Sessions.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["sessions"] = err.Error()
		}
	}
	writeJSON(w, status, payload)
}
