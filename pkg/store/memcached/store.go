// Package memcached implements a lock store on one memcached server over the text protocol.
//
// TrySet maps to "add". CompareDelete reads the item with "gets" and, when the token matches,
// overwrites it through "cas" with a negative expiry, which memcached treats as an immediate
// expiration. The cas unique makes the compare and the delete one atomic step.
// Expiry has second resolution; ttls are rounded up, so a key can outlive its lock by under a
// second but never expire early.
package memcached

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
)

const (
	DefaultPrefix                 = "redlock"
	defaultOperationTimeout       = 500 * time.Millisecond
	memcachedAbsoluteTTLThreshold = 30 * 24 * time.Hour
	maxKeyLength                  = 250
)

// Config describes one memcached server.
type Config struct {
	Name             string
	Host             string
	Port             int
	Prefix           string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.Port <= 0 {
		c.Port = 11211
	}
}

// Store is one memcached quorum member. Each call uses a short-lived TCP connection.
type Store struct {
	name    string
	address string
	log     logger.Logger
	config  Config
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// New creates a store for cfg. It does not connect until the first call.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("memcached host is required")
	}
	cfg.normalize()
	address := net.JoinHostPort(strings.TrimSpace(cfg.Host), strconv.Itoa(cfg.Port))
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "memcached:" + address
	}
	return &Store{
		name:    name,
		address: address,
		log:     log,
		config:  cfg,
		dial:    (&net.Dialer{Timeout: cfg.OperationTimeout}).DialContext,
	}, nil
}

func (s *Store) Name() string { return s.name }

// TrySet stores value with "add", which only succeeds when key is absent.
func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	fullKey, err := s.fullKey(key)
	if err != nil {
		return false, err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := writeStorage(conn, fmt.Sprintf("add %s 0 %d %d", fullKey, ttlToSeconds(ttl), len(value)), value); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(line) {
	case "STORED":
		return true, nil
	case "NOT_STORED":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected memcached add response: %s", strings.TrimSpace(line))
	}
}

// CompareDelete expires key only while it still holds value.
func (s *Store) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return false, err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if _, err := io.WriteString(conn, fmt.Sprintf("gets %s\r\n", fullKey)); err != nil {
		return false, err
	}
	current, casUnique, found, err := readGets(reader)
	if err != nil {
		return false, err
	}
	if !found || current != value {
		return false, nil
	}

	if err := writeStorage(conn, fmt.Sprintf("cas %s 0 -1 %d %s", fullKey, len(value), casUnique), value); err != nil {
		return false, err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(line) {
	case "STORED":
		return true, nil
	case "EXISTS", "NOT_FOUND":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected memcached cas response: %s", strings.TrimSpace(line))
	}
}

// HealthCheck issues "version".
func (s *Store) HealthCheck(ctx context.Context) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("memcached health check failed: %w", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "version\r\n"); err != nil {
		return fmt.Errorf("memcached health check failed: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("memcached health check failed: %w", err)
	}
	if !strings.HasPrefix(line, "VERSION") {
		return fmt.Errorf("memcached health check failed: %s", strings.TrimSpace(line))
	}
	return nil
}

// Close is a no-op: no connection outlives a call.
func (s *Store) Close() error {
	return nil
}

func (s *Store) connect(ctx context.Context) (net.Conn, error) {
	conn, err := s.dial(ctx, "tcp", s.address)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(s.config.OperationTimeout)
	if deadlineFromCtx, ok := ctx.Deadline(); ok && deadlineFromCtx.Before(deadline) {
		deadline = deadlineFromCtx
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

func (s *Store) fullKey(key string) (string, error) {
	full := strings.TrimRight(s.config.Prefix, ":") + ":" + key
	if len(full) > maxKeyLength {
		return "", fmt.Errorf("memcached key too long: %d bytes", len(full))
	}
	if strings.ContainsFunc(full, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return "", fmt.Errorf("memcached key %q contains whitespace or control characters", key)
	}
	return full, nil
}

func writeStorage(conn net.Conn, command, value string) error {
	_, err := io.WriteString(conn, command+"\r\n"+value+"\r\n")
	return err
}

// readGets parses a single-key "gets" reply: VALUE <key> <flags> <bytes> <cas> ... END.
func readGets(reader *bufio.Reader) (string, string, bool, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "END" {
		return "", "", false, nil
	}
	parts := strings.Fields(line)
	if len(parts) != 5 || parts[0] != "VALUE" {
		return "", "", false, fmt.Errorf("unexpected memcached response: %s", line)
	}
	size, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", "", false, fmt.Errorf("invalid memcached size: %w", err)
	}
	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return "", "", false, err
	}
	endLine, err := reader.ReadString('\n')
	if err != nil {
		return "", "", false, err
	}
	if strings.TrimSpace(endLine) != "END" {
		return "", "", false, fmt.Errorf("unexpected memcached terminator: %s", strings.TrimSpace(endLine))
	}
	return string(payload[:size]), parts[4], true, nil
}

func ttlToSeconds(ttl time.Duration) int {
	if ttl > memcachedAbsoluteTTLThreshold {
		return int(time.Now().Add(ttl).Unix())
	}
	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds <= 0 {
		return 1
	}
	return seconds
}
