package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrMiss is returned when the cache has no tally for the message.
var ErrMiss = errors.New("cache miss")

const tallyKeyPrefix = "message:"

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed tally mirror.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TTL          time.Duration
	TLS          RedisTLSConfig
}

// RedisCache mirrors tallies into Redis hashes keyed message:<id>. Reads for
// the same id are collapsed through a singleflight group so a burst of tally
// lookups after a cache flush produces one round trip.
type RedisCache struct {
	client redis.UniversalClient
	logger *slog.Logger
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger, ttl: cfg.TTL}, nil
}

func (c *RedisCache) WriteTally(ctx context.Context, messageID string, tally Tally) error {
	key := tallyKey(messageID)
	if err := c.client.HSet(ctx, key,
		"upvotes", strconv.Itoa(tally.Upvotes),
		"downvotes", strconv.Itoa(tally.Downvotes),
	).Err(); err != nil {
		return fmt.Errorf("write tally %s: %w", messageID, err)
	}
	if c.ttl > 0 {
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			c.logger.Warn("tally expire failed", "message_id", messageID, "error", err)
		}
	}
	return nil
}

func (c *RedisCache) ReadTally(ctx context.Context, messageID string) (Tally, error) {
	value, err, _ := c.group.Do(messageID, func() (any, error) {
		fields, err := c.client.HGetAll(ctx, tallyKey(messageID)).Result()
		if err != nil {
			return Tally{}, fmt.Errorf("read tally %s: %w", messageID, err)
		}
		if len(fields) == 0 {
			return Tally{}, ErrMiss
		}
		return parseTally(fields)
	})
	if err != nil {
		return Tally{}, err
	}
	return value.(Tally), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func tallyKey(messageID string) string {
	return tallyKeyPrefix + messageID
}

func parseTally(fields map[string]string) (Tally, error) {
	var tally Tally
	up, ok := fields["upvotes"]
	if !ok {
		return Tally{}, ErrMiss
	}
	down, ok := fields["downvotes"]
	if !ok {
		return Tally{}, ErrMiss
	}
	var err error
	if tally.Upvotes, err = strconv.Atoi(up); err != nil {
		return Tally{}, fmt.Errorf("parse upvotes %q: %w", up, err)
	}
	if tally.Downvotes, err = strconv.Atoi(down); err != nil {
		return Tally{}, fmt.Errorf("parse downvotes %q: %w", down, err)
	}
	return tally, nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

var _ TallyCache = (*RedisCache)(nil)
