// Command server starts the dmrelay messaging API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dmrelay/internal/api"
	"dmrelay/internal/auth"
	"dmrelay/internal/cache"
	"dmrelay/internal/chat"
	"dmrelay/internal/dispatch"
	"dmrelay/internal/observability/logging"
	"dmrelay/internal/server"
	"dmrelay/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when establishing a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	cacheDriver := flag.String("cache-driver", "", "tally cache driver (none or redis)")
	redisAddr := flag.String("cache-redis-addr", "", "Redis address for the tally cache")
	redisAddrs := flag.String("cache-redis-addrs", "", "comma separated Redis addresses for the tally cache")
	redisUsername := flag.String("cache-redis-username", "", "Redis username for the tally cache")
	redisPassword := flag.String("cache-redis-password", "", "Redis password for the tally cache")
	redisDB := flag.Int("cache-redis-db", 0, "Redis database index for the tally cache")
	redisMasterName := flag.String("cache-redis-sentinel-master", "", "Redis sentinel master name for the tally cache")
	redisPoolSize := flag.Int("cache-redis-pool-size", 0, "maximum Redis connections for the tally cache")
	redisTTL := flag.Duration("cache-redis-ttl", 0, "expiry applied to mirrored tallies (0 keeps them forever)")
	redisTLSCA := flag.String("cache-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("cache-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("cache-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("cache-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("cache-redis-tls-skip-verify", false, "skip Redis TLS verification")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	hubQueueSize := flag.Int("hub-queue-size", 0, "dispatch hub submit queue size")
	pipeCapacity := flag.Int("pipe-capacity", 0, "per-connection event buffer size")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DMRELAY_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DMRELAY_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, storeSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("DMRELAY_STORAGE_DRIVER")),
		DSN:             strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("DMRELAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))),
		MaxConns:        resolveInt(*postgresMaxConns, "DMRELAY_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "DMRELAY_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "DMRELAY_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "DMRELAY_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "DMRELAY_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "DMRELAY_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("DMRELAY_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	tallies, err := openTallyCache(ctx, cacheSettings{
		Driver:     firstNonEmpty(*cacheDriver, os.Getenv("DMRELAY_CACHE_DRIVER")),
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("DMRELAY_CACHE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("DMRELAY_CACHE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("DMRELAY_CACHE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("DMRELAY_CACHE_REDIS_PASSWORD")),
		DB:         resolveInt(*redisDB, "DMRELAY_CACHE_REDIS_DB"),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("DMRELAY_CACHE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "DMRELAY_CACHE_REDIS_POOL_SIZE"),
		TTL:        resolveDuration(*redisTTL, "DMRELAY_CACHE_REDIS_TTL", 0),
		TLS: cache.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("DMRELAY_CACHE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("DMRELAY_CACHE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("DMRELAY_CACHE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("DMRELAY_CACHE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "DMRELAY_CACHE_REDIS_TLS_SKIP_VERIFY"),
		},
	}, logger)
	if err != nil {
		logger.Error("failed to configure tally cache", "error", err)
		os.Exit(1)
	}

	hub := dispatch.NewHub(dispatch.HubConfig{
		Logger:    logging.WithComponent(logger, "dispatch"),
		QueueSize: resolveInt(*hubQueueSize, "DMRELAY_HUB_QUEUE_SIZE"),
	})
	gateway, err := chat.NewGateway(chat.Config{
		Store:        store,
		Tallies:      tallies,
		Hub:          hub,
		Logger:       logging.WithComponent(logger, "chat"),
		PipeCapacity: resolveInt(*pipeCapacity, "DMRELAY_PIPE_CAPACITY"),
	})
	if err != nil {
		logger.Error("failed to assemble chat gateway", "error", err)
		os.Exit(1)
	}

	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "DMRELAY_SESSION_TTL", 24*time.Hour))
	handler := api.NewHandler(store, gateway, sessions, logger)

	listenAddr := firstNonEmpty(*addr, os.Getenv("DMRELAY_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DMRELAY_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DMRELAY_TLS_KEY")),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := hub.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return runSessionPurger(groupCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute)
	})
	group.Go(func() error {
		logger.Info("dmrelay listening", "addr", listenAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tallies.Close(); err != nil {
		logger.Warn("failed to close tally cache", "error", err)
	}
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("server stopped")
}

type storeSettings struct {
	Driver          string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

func openStore(ctx context.Context, cfg storeSettings) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return storage.NewMemoryRepository(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var opts []storage.Option
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			opts = append(opts, storage.WithPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
		}
		if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 || cfg.HealthInterval > 0 {
			opts = append(opts, storage.WithPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval))
		}
		if cfg.AcquireTimeout > 0 {
			opts = append(opts, storage.WithAcquireTimeout(cfg.AcquireTimeout))
		}
		if cfg.AppName != "" {
			opts = append(opts, storage.WithApplicationName(cfg.AppName))
		}
		return storage.NewPostgresRepository(ctx, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

type cacheSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	DB         int
	MasterName string
	PoolSize   int
	TTL        time.Duration
	TLS        cache.RedisTLSConfig
}

func openTallyCache(ctx context.Context, cfg cacheSettings, logger *slog.Logger) (cache.TallyCache, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return cache.NewNoop(), nil
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the tally cache")
		}
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			DB:         cfg.DB,
			MasterName: cfg.MasterName,
			PoolSize:   cfg.PoolSize,
			TTL:        cfg.TTL,
			TLS:        cfg.TLS,
			Logger:     logging.WithComponent(logger, "tally-cache"),
		})
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
}

func runSessionPurger(ctx context.Context, logger *slog.Logger, sessions *auth.SessionManager, interval time.Duration) error {
	if sessions == nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sessions.PurgeExpired(); err != nil {
				logger.Error("failed to purge expired sessions", "error", err)
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
