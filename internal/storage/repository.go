package storage

import (
	"context"
	"errors"

	"golang.org/x/text/unicode/norm"

	"dmrelay/internal/models"
)

// MaxMessageLength bounds the content of a single direct message.
const MaxMessageLength = 500

var (
	// ErrNotFound is returned when a referenced message or user does not
	// exist. Callers surface it without retrying.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collided with a concurrent
	// update. The operation is safe to retry from a fresh read.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the durable store cannot be reached.
	// No partial state is left behind.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidCredentials is returned when a login attempt fails. It
	// deliberately does not distinguish an unknown user from a wrong
	// password.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Repository exposes the datastore operations required by the API handlers
// and the chat gateway: the account collaborator, the append-only message
// log, and the vote ledger.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// CreateUser registers a new account. A username collision yields
	// ErrConflict.
	CreateUser(ctx context.Context, username, password string) (models.User, error)
	// AuthenticateUser verifies credentials and returns the account on
	// success.
	AuthenticateUser(ctx context.Context, username, password string) (models.User, error)
	// UserExists reports whether the username is registered.
	UserExists(ctx context.Context, username string) (bool, error)
	// ListUsernames returns every registered username except the excluded
	// one, sorted ascending.
	ListUsernames(ctx context.Context, exclude string) ([]string, error)

	// AppendMessage stores a new message, assigning its id and send order.
	AppendMessage(ctx context.Context, sender, receiver, content string) (models.Message, error)
	// ListMessagesBetween returns every message exchanged between the two
	// users, in either direction, ordered by send time ascending. Each
	// call is a fresh point-in-time read.
	ListMessagesBetween(ctx context.Context, userA, userB string) ([]models.Message, error)
	// GetMessage returns a single message by id.
	GetMessage(ctx context.Context, id string) (models.Message, error)

	// CastVote applies the vote toggle for (user, message) as one atomic
	// unit and returns the message with its updated tally. Re-casting the
	// same direction clears the vote; casting the opposite direction
	// switches it.
	CastVote(ctx context.Context, user, messageID string, vote models.VoteType) (models.Message, error)
}

// NormalizeIdentity canonicalises a user identity so visually identical
// usernames collide at signup instead of splitting message history and vote
// records across distinct rows.
func NormalizeIdentity(username string) string {
	return norm.NFC.String(username)
}

// NormalizeContent canonicalises message content before it is persisted.
func NormalizeContent(content string) string {
	return norm.NFC.String(content)
}
