// Package redis implements a lock store on a single Redis endpoint using SET NX PX and a
// Lua compare-and-delete script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix           = "redlock"
	defaultOperationTimeout = 3 * time.Second
	defaultDialTimeout      = 5 * time.Second
)

var compareDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config describes one Redis endpoint. URL wins over the discrete fields when both are set.
type Config struct {
	Name             string
	URL              string
	Host             string
	Port             int
	Password         string
	Database         int
	Prefix           string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Host) != "" && c.Port <= 0 {
		c.Port = 6379
	}
}

func (c Config) options() (*redis.Options, error) {
	if strings.TrimSpace(c.URL) != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		return opts, nil
	}
	if strings.TrimSpace(c.Host) == "" {
		return nil, errors.New("redis URL or host is required")
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port)),
		Password: c.Password,
		DB:       c.Database,
	}, nil
}

// Store is one Redis quorum member.
type Store struct {
	name   string
	client *redis.Client
	log    logger.Logger
	config Config
}

// New connects to the endpoint described by cfg and verifies it with PING.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = defaultDialTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", opts.Addr, err)
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "redis:" + opts.Addr
	}
	log.Info("redis lock store connected", "store", name, "prefix", cfg.Prefix)

	return &Store{
		name:   name,
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

func (s *Store) Name() string { return s.name }

// Client returns the underlying client so callers can share the connection pool.
func (s *Store) Client() *redis.Client {
	return s.client
}

// TrySet issues SET key value NX PX ttl.
func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis lock store is not initialized")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	acquired, err := s.client.SetNX(opCtx, s.fullKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", key, err)
	}
	return acquired, nil
}

// CompareDelete deletes key only while it still holds value, atomically on the server.
func (s *Store) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis lock store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	deleted, err := compareDeleteScript.Run(opCtx, s.client, []string{s.fullKey(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-delete %s: %w", key, err)
	}
	return deleted == 1, nil
}

// HealthCheck verifies Redis connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis lock store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	s.log.Info("closing redis lock store", "store", s.name)
	return s.client.Close()
}

func (s *Store) fullKey(key string) string {
	return strings.TrimRight(s.config.Prefix, ":") + ":" + key
}
