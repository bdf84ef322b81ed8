package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dmrelay/internal/cache"
	"dmrelay/internal/dispatch"
	"dmrelay/internal/models"
	"dmrelay/internal/storage"
)

// captureCache records mirrored tallies and can be primed to fail reads.
type captureCache struct {
	mu       sync.Mutex
	tallies  map[string]cache.Tally
	readErr  error
	writeErr error
}

func newCaptureCache() *captureCache {
	return &captureCache{tallies: make(map[string]cache.Tally)}
}

func (c *captureCache) WriteTally(_ context.Context, messageID string, tally cache.Tally) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.tallies[messageID] = tally
	return nil
}

func (c *captureCache) ReadTally(_ context.Context, messageID string) (cache.Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return cache.Tally{}, c.readErr
	}
	tally, ok := c.tallies[messageID]
	if !ok {
		return cache.Tally{}, cache.ErrMiss
	}
	return tally, nil
}

func (c *captureCache) Close() error { return nil }

func (c *captureCache) stored(messageID string) (cache.Tally, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tally, ok := c.tallies[messageID]
	return tally, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, tallies cache.TallyCache) (*Gateway, *storage.MemoryRepository, *dispatch.Hub) {
	t.Helper()
	store := storage.NewMemoryRepository()
	hub := dispatch.NewHub(dispatch.HubConfig{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gateway, err := NewGateway(Config{
		Store:        store,
		Tallies:      tallies,
		Hub:          hub,
		Logger:       quietLogger(),
		PingInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway, store, hub
}

func mustSignup(t *testing.T, store *storage.MemoryRepository, username string) {
	t.Helper()
	if _, err := store.CreateUser(context.Background(), username, "opensesame"); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
}

func attachPipe(hub *dispatch.Hub, username string) *dispatch.Pipe {
	pipe := dispatch.NewPipe(8)
	hub.Registry().Register(username, pipe)
	return pipe
}

func receiveEvent(t *testing.T, pipe *dispatch.Pipe) dispatch.Event {
	t.Helper()
	select {
	case ev := <-pipe.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return dispatch.Event{}
	}
}

func TestSendMessagePersistsAndDelivers(t *testing.T) {
	gateway, store, hub := newTestGateway(t, nil)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")
	alicePipe := attachPipe(hub, "alice")
	bobPipe := attachPipe(hub, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "  hello bob  ")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if sent.Content != "hello bob" {
		t.Fatalf("content not trimmed: %q", sent.Content)
	}

	for _, pipe := range []*dispatch.Pipe{alicePipe, bobPipe} {
		ev := receiveEvent(t, pipe)
		if ev.Message.ID != sent.ID || ev.Message.Content != "hello bob" {
			t.Fatalf("unexpected event %+v", ev.Message)
		}
	}

	messages, err := gateway.ListMessages(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != sent.ID {
		t.Fatalf("unexpected conversation %+v", messages)
	}
}

func TestSendMessageOfflineReceiver(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	if _, err := gateway.SendMessage(context.Background(), "alice", "bob", "anyone home?"); err != nil {
		t.Fatalf("offline receiver must not fail the send: %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")
	ctx := context.Background()

	if _, err := gateway.SendMessage(ctx, "alice", "bob", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	long := strings.Repeat("x", storage.MaxMessageLength+1)
	if _, err := gateway.SendMessage(ctx, "alice", "bob", long); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if _, err := gateway.SendMessage(ctx, "alice", "nobody", "hi"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown receiver, got %v", err)
	}
}

func TestSendMessageBoundaryLength(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	content := strings.Repeat("x", storage.MaxMessageLength)
	if _, err := gateway.SendMessage(context.Background(), "alice", "bob", content); err != nil {
		t.Fatalf("exactly max-length content must be accepted: %v", err)
	}
}

func TestListMessagesUnknownUser(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "alice")

	if _, err := gateway.ListMessages(context.Background(), "alice", "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCastVoteMirrorsTallyAndDelivers(t *testing.T) {
	tallies := newCaptureCache()
	gateway, store, hub := newTestGateway(t, tallies)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "vote on this")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	bobPipe := attachPipe(hub, "bob")
	voted, err := gateway.CastVote(context.Background(), "bob", sent.ID, models.VoteTypeUp)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if voted.Upvotes != 1 || voted.Downvotes != 0 {
		t.Fatalf("unexpected tally after vote %+v", voted)
	}

	ev := receiveEvent(t, bobPipe)
	if ev.Message.ID != sent.ID || ev.Message.Upvotes != 1 {
		t.Fatalf("unexpected vote event %+v", ev.Message)
	}

	mirrored, ok := tallies.stored(sent.ID)
	if !ok || mirrored.Upvotes != 1 || mirrored.Downvotes != 0 {
		t.Fatalf("tally not mirrored, got %+v ok=%v", mirrored, ok)
	}
}

func TestCastVoteSurvivesCacheFailure(t *testing.T) {
	tallies := newCaptureCache()
	tallies.writeErr = errors.New("cache down")
	gateway, store, _ := newTestGateway(t, tallies)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	voted, err := gateway.CastVote(context.Background(), "bob", sent.ID, models.VoteTypeDown)
	if err != nil {
		t.Fatalf("vote must not fail on cache outage: %v", err)
	}
	if voted.Downvotes != 1 {
		t.Fatalf("unexpected tally %+v", voted)
	}
}

func TestMessageTallyReadsMirrorFirst(t *testing.T) {
	tallies := newCaptureCache()
	gateway, store, _ := newTestGateway(t, tallies)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	// A stale mirror entry is served as-is; the store is not consulted.
	tallies.tallies[sent.ID] = cache.Tally{Upvotes: 9, Downvotes: 2}

	tally, err := gateway.MessageTally(context.Background(), sent.ID)
	if err != nil {
		t.Fatalf("message tally: %v", err)
	}
	if tally.Upvotes != 9 || tally.Downvotes != 2 {
		t.Fatalf("expected mirrored tally, got %+v", tally)
	}
}

func TestMessageTallyFallsBackToStoreAndBackfills(t *testing.T) {
	tallies := newCaptureCache()
	gateway, store, _ := newTestGateway(t, tallies)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if _, err := gateway.CastVote(context.Background(), "bob", sent.ID, models.VoteTypeUp); err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	// Drop the mirror so the next read misses.
	delete(tallies.tallies, sent.ID)

	tally, err := gateway.MessageTally(context.Background(), sent.ID)
	if err != nil {
		t.Fatalf("message tally: %v", err)
	}
	if tally.Upvotes != 1 || tally.Downvotes != 0 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	if mirrored, ok := tallies.stored(sent.ID); !ok || mirrored != tally {
		t.Fatalf("mirror not backfilled, got %+v ok=%v", mirrored, ok)
	}
}

func TestMessageTallyFallsBackWhenCacheErrors(t *testing.T) {
	tallies := newCaptureCache()
	tallies.readErr = errors.New("cache down")
	gateway, store, _ := newTestGateway(t, tallies)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	tally, err := gateway.MessageTally(context.Background(), sent.ID)
	if err != nil {
		t.Fatalf("message tally: %v", err)
	}
	if tally.Upvotes != 0 || tally.Downvotes != 0 {
		t.Fatalf("unexpected tally %+v", tally)
	}
}

func TestMessageTallyUnknownMessage(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	if _, err := gateway.MessageTally(context.Background(), "404"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func dialWebsocket(t *testing.T, gateway *Gateway, username string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.HandleConnection(w, r, username)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketReceivesMessageEvents(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "alice")
	mustSignup(t, store, "bob")

	conn := dialWebsocket(t, gateway, "bob")

	sent, err := gateway.SendMessage(context.Background(), "alice", "bob", "over the wire")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket frame: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame["id"] != sent.ID || frame["sender"] != "alice" || frame["receiver"] != "bob" ||
		frame["content"] != "over the wire" {
		t.Fatalf("unexpected frame %v", frame)
	}
	if len(frame) != 6 {
		t.Fatalf("frame must carry exactly six fields, got %v", frame)
	}
}

func TestWebsocketReplacedConnectionCloses(t *testing.T) {
	gateway, store, _ := newTestGateway(t, nil)
	mustSignup(t, store, "bob")

	first := dialWebsocket(t, gateway, "bob")
	second := dialWebsocket(t, gateway, "bob")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("replaced connection must be closed")
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %v", closeErr)
	}
}
