package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmrelay/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// Option adjusts the Postgres pool configuration.
type Option func(*PostgresConfig)

func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithAcquireTimeout configures how long the repository waits to establish a
// connection. Operators should size the timeout to cover both dialing and the
// short setup queries pgx runs on connect.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

// PostgresRepository persists accounts, messages, and the vote ledger in
// Postgres. Vote toggles serialise on the message row lock so concurrent
// toggles for the same message apply one at a time.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations before returning.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) CreateUser(ctx context.Context, username, password string) (models.User, error) {
	username = NormalizeIdentity(strings.TrimSpace(username))
	if username == "" {
		return models.User{}, fmt.Errorf("username is required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2)",
		username, hash)
	if err != nil {
		return models.User{}, mapPostgresError("create user", err)
	}
	return models.User{Username: username, PasswordHash: hash}, nil
}

func (r *PostgresRepository) AuthenticateUser(ctx context.Context, username, password string) (models.User, error) {
	username = NormalizeIdentity(strings.TrimSpace(username))
	var hash string
	err := r.pool.QueryRow(ctx,
		"SELECT password_hash FROM users WHERE username = $1",
		username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, mapPostgresError("authenticate user", err)
	}
	if err := verifyPassword(hash, password); err != nil {
		return models.User{}, err
	}
	return models.User{Username: username, PasswordHash: hash}, nil
}

func (r *PostgresRepository) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)",
		NormalizeIdentity(username)).Scan(&exists)
	if err != nil {
		return false, mapPostgresError("check user", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListUsernames(ctx context.Context, exclude string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT username FROM users WHERE username <> $1 ORDER BY username",
		exclude)
	if err != nil {
		return nil, mapPostgresError("list users", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("list users", err)
	}
	return names, nil
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, sender, receiver, content string) (models.Message, error) {
	content = NormalizeContent(content)
	message := models.Message{Sender: sender, Receiver: receiver, Content: content}
	var id int64
	err := r.pool.QueryRow(ctx,
		"INSERT INTO messages (sender, receiver, content) VALUES ($1, $2, $3) RETURNING id, sent_at",
		sender, receiver, content).Scan(&id, &message.SentAt)
	if err != nil {
		return models.Message{}, mapPostgresError("append message", err)
	}
	message.ID = strconv.FormatInt(id, 10)
	return message, nil
}

func (r *PostgresRepository) ListMessagesBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender, receiver, content, upvotes, downvotes, sent_at
		   FROM messages
		  WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		  ORDER BY sent_at, id`,
		userA, userB)
	if err != nil {
		return nil, mapPostgresError("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("list messages", err)
	}
	return messages, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (models.Message, error) {
	messageID, err := parseMessageID(id)
	if err != nil {
		return models.Message{}, err
	}
	row := r.pool.QueryRow(ctx,
		"SELECT id, sender, receiver, content, upvotes, downvotes, sent_at FROM messages WHERE id = $1",
		messageID)
	message, err := scanMessage(row)
	if err != nil {
		return models.Message{}, mapPostgresError("get message", err)
	}
	return message, nil
}

// CastVote runs the toggle inside one transaction: the message row is locked
// first, then the ledger row and the counters change together. The unique key
// on (user_id, message_id) backstops the lock.
func (r *PostgresRepository) CastVote(ctx context.Context, user, messageID string, vote models.VoteType) (models.Message, error) {
	if !vote.Valid() {
		return models.Message{}, fmt.Errorf("unknown vote type %q", vote)
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return models.Message{}, err
	}

	var message models.Message
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			"SELECT id, sender, receiver, content, upvotes, downvotes, sent_at FROM messages WHERE id = $1 FOR UPDATE",
			id)
		locked, err := scanMessage(row)
		if err != nil {
			return err
		}

		var prev models.VoteType
		err = tx.QueryRow(ctx,
			"SELECT vote_type FROM user_votes WHERE user_id = $1 AND message_id = $2",
			user, id).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read vote: %w", err)
		}

		transition := toggleVote(prev, vote)
		switch {
		case transition.next == "":
			_, err = tx.Exec(ctx,
				"DELETE FROM user_votes WHERE user_id = $1 AND message_id = $2",
				user, id)
		case prev == "":
			_, err = tx.Exec(ctx,
				"INSERT INTO user_votes (user_id, message_id, vote_type) VALUES ($1, $2, $3)",
				user, id, transition.next)
		default:
			_, err = tx.Exec(ctx,
				"UPDATE user_votes SET vote_type = $3 WHERE user_id = $1 AND message_id = $2",
				user, id, transition.next)
		}
		if err != nil {
			return fmt.Errorf("write vote: %w", err)
		}

		err = tx.QueryRow(ctx,
			"UPDATE messages SET upvotes = upvotes + $1, downvotes = downvotes + $2 WHERE id = $3 RETURNING upvotes, downvotes",
			transition.upDelta, transition.downDelta, id).Scan(&locked.Upvotes, &locked.Downvotes)
		if err != nil {
			return fmt.Errorf("update tally: %w", err)
		}
		message = locked
		return nil
	})
	if err != nil {
		return models.Message{}, mapPostgresError("cast vote", err)
	}
	return message, nil
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		message models.Message
		id      int64
	)
	err := row.Scan(&id, &message.Sender, &message.Receiver, &message.Content, &message.Upvotes, &message.Downvotes, &message.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message: %w", ErrNotFound)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	message.ID = strconv.FormatInt(id, 10)
	return message, nil
}

func parseMessageID(id string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("message id %q: %w", id, ErrNotFound)
	}
	return parsed, nil
}

func mapPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidCredentials) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.Message)
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything that is not a server-reported error is a connectivity failure.
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

var _ Repository = (*PostgresRepository)(nil)
