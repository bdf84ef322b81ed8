package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSessionCreateValidateRoundTrip(t *testing.T) {
	manager := NewSessionManager(time.Hour)

	token, expiresAt, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expiry already passed: %v", expiresAt)
	}

	username, _, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok || username != "alice" {
		t.Fatalf("expected valid session for alice, got ok=%v username=%q", ok, username)
	}
}

func TestSessionCreateRequiresUsername(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, err := manager.Create(""); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestSessionValidateUnknownToken(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, ok, err := manager.Validate("nope"); err != nil || ok {
		t.Fatalf("unknown token must be invalid without error, got ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := manager.Validate(""); err != nil || ok {
		t.Fatalf("empty token must be invalid without error, got ok=%v err=%v", ok, err)
	}
}

func TestSessionTokensAreUnique(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, _, err := manager.Create("alice")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
}

func TestSessionAbsoluteExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))

	token, _, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Backdate the session past its absolute TTL.
	past := time.Now().Add(-time.Minute)
	if err := store.Save(token, "alice", past, past); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("expired session must be invalid, got ok=%v err=%v", ok, err)
	}
	// Validation of an expired token removes it.
	if _, found, err := store.Get(token); err != nil || found {
		t.Fatalf("expired session must be deleted, found=%v err=%v", found, err)
	}
}

func TestSessionIdleRefreshCappedAtAbsolute(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store), WithIdleTimeout(10*time.Minute))

	token, expiresAt, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if time.Until(expiresAt) > 11*time.Minute {
		t.Fatalf("idle expiry should be near ten minutes out, got %v", expiresAt)
	}

	// Pin the absolute deadline just ahead of now so the refresh is capped.
	absolute := time.Now().Add(time.Minute)
	if err := store.Save(token, "alice", time.Now().Add(30*time.Second), absolute); err != nil {
		t.Fatalf("reshape session: %v", err)
	}

	_, refreshed, ok, err := manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("validate: ok=%v err=%v", ok, err)
	}
	if refreshed.After(absolute.Add(time.Second)) {
		t.Fatalf("idle refresh exceeded absolute deadline: %v > %v", refreshed, absolute)
	}
}

func TestSessionRevoke(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	token, _, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := manager.Revoke(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("revoked session must be invalid, got ok=%v err=%v", ok, err)
	}
	// Revoking nothing is a no-op.
	if err := manager.Revoke(""); err != nil {
		t.Fatalf("revoke empty token: %v", err)
	}
}

func TestSessionPurgeExpired(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))

	live, _, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create live: %v", err)
	}
	stale, _, err := manager.Create("bob")
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := store.Save(stale, "bob", past, past); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, found, _ := store.Get(stale); found {
		t.Fatal("stale session must be purged")
	}
	if _, found, _ := store.Get(live); !found {
		t.Fatal("live session must survive the purge")
	}
}

func TestSessionManagerPing(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if err := manager.Ping(nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWithTokenLength(t *testing.T) {
	manager := NewSessionManager(time.Hour, WithTokenLength(16))
	token, _, err := manager.Create("alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Hex encoding doubles the byte length.
	if len(token) != 32 {
		t.Fatalf("expected 32-char token, got %d", len(token))
	}
}
