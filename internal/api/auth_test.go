package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"dmrelay/internal/chat"
	"dmrelay/internal/storage"
)

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc123", "", "abc123"},
		{"case-insensitive scheme", "bearer abc123", "", "abc123"},
		{"query fallback", "", "tok456", "tok456"},
		{"header wins over query", "Bearer abc123", "tok456", "abc123"},
		{"wrong scheme falls through to query", "Basic dXNlcg==", "tok456", "tok456"},
		{"nothing", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/api/users"
			if tc.query != "" {
				url += "?token=" + tc.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := ExtractToken(r); got != tc.want {
				t.Fatalf("ExtractToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUserFromContext(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "alice")
	username, ok := UserFromContext(ctx)
	if !ok || username != "alice" {
		t.Fatalf("expected alice, got %q ok=%v", username, ok)
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Fatal("bare context must not carry a user")
	}
	if _, ok := UserFromContext(ContextWithUser(context.Background(), "")); ok {
		t.Fatal("empty username must not authenticate")
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("message %q: %w", "1", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrConflict, http.StatusConflict},
		{storage.ErrUnavailable, http.StatusServiceUnavailable},
		{storage.ErrInvalidCredentials, http.StatusUnauthorized},
		{chat.ErrEmptyMessage, http.StatusBadRequest},
		{chat.ErrMessageTooLong, http.StatusBadRequest},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFromError(tc.err); got != tc.want {
			t.Fatalf("statusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
