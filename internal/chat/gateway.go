// Package chat implements the messaging gateway: persisting direct messages,
// applying vote toggles, mirroring tallies, and pushing live events to the
// participants' websocket connections.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dmrelay/internal/cache"
	"dmrelay/internal/dispatch"
	"dmrelay/internal/models"
	"dmrelay/internal/storage"
)

var (
	// ErrEmptyMessage rejects messages whose content is blank after
	// trimming.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrMessageTooLong rejects messages over the content limit.
	ErrMessageTooLong = fmt.Errorf("message content exceeds %d characters", storage.MaxMessageLength)
)

// Config assembles a Gateway. Store and Hub are required; the zero values of
// the remaining fields pick sensible defaults.
type Config struct {
	Store        storage.Repository
	Tallies      cache.TallyCache
	Hub          *dispatch.Hub
	Logger       *slog.Logger
	PipeCapacity int
	PingInterval time.Duration
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

// Gateway coordinates the message log, the vote ledger, the tally mirror, and
// live delivery.
type Gateway struct {
	store        storage.Repository
	tallies      cache.TallyCache
	hub          *dispatch.Hub
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pipeCapacity int
	pingInterval time.Duration
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat gateway requires a store")
	}
	if cfg.Hub == nil {
		return nil, errors.New("chat gateway requires a hub")
	}
	if cfg.Tallies == nil {
		cfg.Tallies = cache.NewNoop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = cfg.PingInterval + cfg.WriteTimeout
	}
	return &Gateway{
		store:        cfg.Store,
		tallies:      cfg.Tallies,
		hub:          cfg.Hub,
		logger:       cfg.Logger,
		pipeCapacity: cfg.PipeCapacity,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		pongTimeout:  cfg.PongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// SendMessage validates and persists a direct message, then queues it for
// live delivery to both participants.
func (g *Gateway) SendMessage(ctx context.Context, sender, receiver, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if len(content) > storage.MaxMessageLength {
		return models.Message{}, ErrMessageTooLong
	}
	receiver = storage.NormalizeIdentity(strings.TrimSpace(receiver))
	exists, err := g.store.UserExists(ctx, receiver)
	if err != nil {
		return models.Message{}, err
	}
	if !exists {
		return models.Message{}, fmt.Errorf("receiver %q: %w", receiver, storage.ErrNotFound)
	}

	message, err := g.store.AppendMessage(ctx, sender, receiver, content)
	if err != nil {
		return models.Message{}, err
	}
	g.deliver(ctx, message)
	return message, nil
}

// ListMessages returns the full conversation between the caller and the other
// user, oldest first.
func (g *Gateway) ListMessages(ctx context.Context, caller, other string) ([]models.Message, error) {
	other = storage.NormalizeIdentity(strings.TrimSpace(other))
	exists, err := g.store.UserExists(ctx, other)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("user %q: %w", other, storage.ErrNotFound)
	}
	return g.store.ListMessagesBetween(ctx, caller, other)
}

// CastVote toggles the caller's vote on the message, mirrors the new tally,
// and pushes the updated message to both participants.
func (g *Gateway) CastVote(ctx context.Context, user, messageID string, vote models.VoteType) (models.Message, error) {
	message, err := g.store.CastVote(ctx, user, messageID, vote)
	if err != nil {
		return models.Message{}, err
	}
	g.mirrorTally(ctx, message)
	g.deliver(ctx, message)
	return message, nil
}

// MessageTally reads the tally from the mirror, falling back to the durable
// store on a miss and backfilling the mirror with what it found.
func (g *Gateway) MessageTally(ctx context.Context, messageID string) (cache.Tally, error) {
	tally, err := g.tallies.ReadTally(ctx, messageID)
	if err == nil {
		return tally, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		g.logger.Warn("tally cache read failed", "message_id", messageID, "error", err)
	}
	message, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return cache.Tally{}, err
	}
	g.mirrorTally(ctx, message)
	return cache.Tally{Upvotes: message.Upvotes, Downvotes: message.Downvotes}, nil
}

func (g *Gateway) deliver(ctx context.Context, message models.Message) {
	if err := g.hub.Deliver(ctx, dispatch.Event{Message: message}); err != nil {
		g.logger.Warn("live delivery skipped", "message_id", message.ID, "error", err)
	}
}

// mirrorTally is best effort: a cache outage degrades tally reads to the
// store, it never fails the vote.
func (g *Gateway) mirrorTally(ctx context.Context, message models.Message) {
	tally := cache.Tally{Upvotes: message.Upvotes, Downvotes: message.Downvotes}
	if err := g.tallies.WriteTally(ctx, message.ID, tally); err != nil {
		g.logger.Warn("tally cache write failed", "message_id", message.ID, "error", err)
	}
}

// HandleConnection upgrades the request to a websocket and streams events for
// the user until either side goes away. A second connection for the same user
// replaces the first.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, username string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user", username, "error", err)
		return
	}

	pipe := dispatch.NewPipe(g.pipeCapacity)
	g.hub.Registry().Register(username, pipe)
	g.logger.Info("websocket connected", "user", username)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			g.hub.Registry().DeregisterChannel(username, pipe)
			pipe.Close()
			conn.Close()
			g.logger.Info("websocket disconnected", "user", username)
		})
	}

	conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
	})

	go g.readLoop(conn, teardown)
	go g.pingLoop(conn, pipe, teardown)
	g.writeLoop(conn, pipe, teardown)
}

// writeLoop pushes queued events to the socket until the pipe closes.
func (g *Gateway) writeLoop(conn *websocket.Conn, pipe *dispatch.Pipe, teardown func()) {
	defer teardown()
	for ev := range pipe.Events() {
		conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
		if err := conn.WriteJSON(ev.Message); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"))
}

// readLoop discards inbound frames. Clients send through the HTTP API; the
// socket exists to keep the pong handler fed and to notice the peer leaving.
func (g *Gateway) readLoop(conn *websocket.Conn, teardown func()) {
	defer teardown()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) pingLoop(conn *websocket.Conn, pipe *dispatch.Pipe, teardown func()) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			teardown()
			return
		}
	}
}
