package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dmrelay/internal/models"
)

type voteKey struct {
	user      string
	messageID string
}

// MemoryRepository keeps the whole dataset in process. It is safe for
// concurrent use and intended for development and tests; vote toggles run
// under the write lock, which mirrors the per-row serialization the Postgres
// repository gets from its row lock.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]models.User
	messages map[string]models.Message
	order    []string
	votes    map[voteKey]models.VoteType
	nextID   int64
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]models.User),
		messages: make(map[string]models.Message),
		votes:    make(map[voteKey]models.VoteType),
		nextID:   1,
	}
}

func (r *MemoryRepository) Ping(context.Context) error  { return nil }
func (r *MemoryRepository) Close(context.Context) error { return nil }

// CreateUser registers a new account, rejecting duplicate usernames.
func (r *MemoryRepository) CreateUser(_ context.Context, username, password string) (models.User, error) {
	username = NormalizeIdentity(strings.TrimSpace(username))
	if username == "" {
		return models.User{}, fmt.Errorf("username is required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[username]; exists {
		return models.User{}, fmt.Errorf("username %q already taken: %w", username, ErrConflict)
	}
	user := models.User{Username: username, PasswordHash: hash}
	r.users[username] = user
	return user, nil
}

func (r *MemoryRepository) AuthenticateUser(_ context.Context, username, password string) (models.User, error) {
	username = NormalizeIdentity(strings.TrimSpace(username))

	r.mu.RLock()
	user, ok := r.users[username]
	r.mu.RUnlock()
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *MemoryRepository) UserExists(_ context.Context, username string) (bool, error) {
	r.mu.RLock()
	_, ok := r.users[NormalizeIdentity(username)]
	r.mu.RUnlock()
	return ok, nil
}

func (r *MemoryRepository) ListUsernames(_ context.Context, exclude string) ([]string, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		if name == exclude {
			continue
		}
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// AppendMessage stores a new message with a monotonic id and send order.
func (r *MemoryRepository) AppendMessage(_ context.Context, sender, receiver, content string) (models.Message, error) {
	content = NormalizeContent(content)

	r.mu.Lock()
	defer r.mu.Unlock()
	id := strconv.FormatInt(r.nextID, 10)
	r.nextID++
	message := models.Message{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}
	r.messages[id] = message
	r.order = append(r.order, id)
	return message, nil
}

func (r *MemoryRepository) ListMessagesBetween(_ context.Context, userA, userB string) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	messages := make([]models.Message, 0)
	for _, id := range r.order {
		if message := r.messages[id]; message.Between(userA, userB) {
			messages = append(messages, message)
		}
	}
	return messages, nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id string) (models.Message, error) {
	r.mu.RLock()
	message, ok := r.messages[id]
	r.mu.RUnlock()
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return message, nil
}

// CastVote applies the toggle under the write lock: the vote record and the
// counters change together or not at all.
func (r *MemoryRepository) CastVote(_ context.Context, user, messageID string, vote models.VoteType) (models.Message, error) {
	if !vote.Valid() {
		return models.Message{}, fmt.Errorf("unknown vote type %q", vote)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	message, ok := r.messages[messageID]
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	key := voteKey{user: user, messageID: messageID}
	transition := toggleVote(r.votes[key], vote)
	if transition.next == "" {
		delete(r.votes, key)
	} else {
		r.votes[key] = transition.next
	}
	message.Upvotes += transition.upDelta
	message.Downvotes += transition.downDelta
	r.messages[messageID] = message
	return message, nil
}

// VoteState reports the persisted vote for the pair, or empty when none
// exists. Tests use it to check the ledger invariant against the counters.
func (r *MemoryRepository) VoteState(user, messageID string) models.VoteType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.votes[voteKey{user: user, messageID: messageID}]
}

var _ Repository = (*MemoryRepository)(nil)
