// Package postgres implements a lock store as rows of a PostgreSQL table. Expiry is evaluated
// with the server clock so clients never compare timestamps of their own.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nimburion/redlock/pkg/observability/logger"
)

const (
	DefaultTable            = "redlock_locks"
	defaultOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config describes one PostgreSQL quorum member. URL wins over the discrete fields.
type Config struct {
	Name             string
	URL              string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	Table            string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.Port <= 0 {
		c.Port = 5432
	}
}

func (c Config) dsn() (string, error) {
	if strings.TrimSpace(c.URL) != "" {
		return c.URL, nil
	}
	if strings.TrimSpace(c.Host) == "" {
		return "", errors.New("postgres url or host is required")
	}
	dsn := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port)),
		Path:     "/" + strings.TrimSpace(c.Database),
		RawQuery: "sslmode=disable",
	}
	if c.User != "" {
		dsn.User = url.UserPassword(c.User, c.Password)
	}
	return dsn.String(), nil
}

// Store keeps one row per held key.
type Store struct {
	name   string
	db     *sql.DB
	log    logger.Logger
	config Config
}

// New opens the database, verifies connectivity and creates the lock table when missing.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid postgres lock table name %q", cfg.Table)
	}
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}

	store := newStoreWithDB(db, cfg, log)
	if err := store.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lock table failed: %w", err)
	}
	log.Info("postgres lock store connected", "store", store.name, "table", cfg.Table)
	return store, nil
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "postgres:" + cfg.Table
		if host := strings.TrimSpace(cfg.Host); host != "" {
			name = "postgres:" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
		}
	}
	return &Store{
		name:   name,
		db:     db,
		log:    log,
		config: cfg,
	}
}

func (s *Store) Name() string { return s.name }

// TrySet inserts the row, or takes over a row whose expiry has passed.
func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("postgres lock store is not initialized")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %s(lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond', NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, s.config.Table, s.config.Table)

	var acquired bool
	if err := s.db.QueryRowContext(opCtx, query, key, value, ttl.Milliseconds()).Scan(&acquired); err != nil {
		return false, fmt.Errorf("postgres set %s: %w", key, err)
	}
	return acquired, nil
}

// CompareDelete removes the row only while it is live and still carries value.
func (s *Store) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("postgres lock store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND token=$2 AND expires_at > NOW()`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, key, value)
	if err != nil {
		return false, fmt.Errorf("postgres compare-delete %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres lock store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close closes DB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.config.Table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}
