package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dmrelay/internal/chat"
	"dmrelay/internal/storage"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated username in the provided context.
func ContextWithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userContextKey, username)
}

// UserFromContext retrieves the authenticated username from context if
// present.
func UserFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(userContextKey).(string)
	return username, ok && username != ""
}

// AuthenticateRequest validates the session token on the request and returns
// the username it belongs to.
func (h *Handler) AuthenticateRequest(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", fmt.Errorf("missing session token")
	}
	username, _, ok, err := h.Sessions.Validate(token)
	if err != nil {
		return "", fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("invalid or expired session")
	}
	return username, nil
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return "", false
	}
	return username, true
}

// ExtractToken pulls the bearer token from the Authorization header, falling
// back to the token query parameter for websocket clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// statusFromError maps the storage and gateway error taxonomy to HTTP status
// codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
