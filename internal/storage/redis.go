package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tipmeet/tippresence/utils"
)

// RedisConfig holds Redis connection configuration, mirroring the
// teacher's utils/redis.RedisConfig.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisFlagPointers holds pointers to flag values for Redis configuration.
type RedisFlagPointers struct {
	host       *string
	port       *int
	password   *string
	db         *int
	tlsEnabled *bool
}

// RegisterRedisFlags registers Redis-related command-line flags. Returns a
// RedisFlagPointers that should be converted to RedisConfig after
// flag.Parse() is called.
func RegisterRedisFlags() *RedisFlagPointers {
	return &RedisFlagPointers{
		host: flag.String("redis-host",
			utils.GetEnv("PRESENCE_REDIS_HOST", "localhost"),
			"Redis host"),
		port: flag.Int("redis-port",
			utils.GetEnvInt("PRESENCE_REDIS_PORT", 6379),
			"Redis port"),
		password: flag.String("redis-password",
			utils.GetEnvOrConfig("PRESENCE_REDIS_PASSWORD", "redis_password", ""),
			"Redis password"),
		db: flag.Int("redis-db-number",
			utils.GetEnvInt("PRESENCE_REDIS_DB_NUMBER", 0),
			"Redis database number to connect to"),
		tlsEnabled: flag.Bool("redis-tls-enable",
			utils.GetEnvBool("PRESENCE_REDIS_TLS_ENABLE", false),
			"Enable TLS for the Redis connection"),
	}
}

// ToRedisConfig converts flag pointers to RedisConfig. Must be called
// after flag.Parse().
func (r *RedisFlagPointers) ToRedisConfig() RedisConfig {
	return RedisConfig{
		Host:       *r.host,
		Port:       *r.port,
		Password:   *r.password,
		DB:         *r.db,
		TLSEnabled: *r.tlsEnabled,
	}
}

// RedisStore implements Store over a single go-redis client.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore dials Redis, verifies the connection with a PING, and
// returns a ready-to-use Store. There is no separate "became connected"
// event distinct from successful construction, so AddCallbackOnConnected
// runs its callback synchronously.
func NewRedisStore(ctx context.Context, config RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis store connected",
		slog.String("address", opts.Addr),
		slog.Int("db", config.DB),
		slog.Bool("tls", config.TLSEnabled),
	)

	return &RedisStore{client: client, logger: logger}, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) HSet(ctx context.Context, table, field, value string) error {
	return s.client.HSet(ctx, table, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, table, field string) (string, error) {
	v, err := s.client.HGet(ctx, table, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) HGetAll(ctx context.Context, table string) (map[string]string, error) {
	return s.client.HGetAll(ctx, table).Result()
}

func (s *RedisStore) HDel(ctx context.Context, table, field string) error {
	return s.client.HDel(ctx, table, field).Err()
}

func (s *RedisStore) HDrop(ctx context.Context, table string) error {
	return s.client.Del(ctx, table).Err()
}

func (s *RedisStore) HSetN(ctx context.Context, table string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	return s.client.HSet(ctx, table, args...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, set, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, set, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

func (s *RedisStore) SGetAll(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

// AddCallbackOnConnected runs fn immediately: by the time a RedisStore
// exists, NewRedisStore has already verified connectivity with a PING.
func (s *RedisStore) AddCallbackOnConnected(fn func(context.Context)) {
	fn(context.Background())
}
