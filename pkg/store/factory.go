package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nimburion/redlock/pkg/config"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/redlock"
	"github.com/nimburion/redlock/pkg/resilience"
	"github.com/nimburion/redlock/pkg/store/dynamodb"
	"github.com/nimburion/redlock/pkg/store/memcached"
	"github.com/nimburion/redlock/pkg/store/memory"
	"github.com/nimburion/redlock/pkg/store/postgres"
	"github.com/nimburion/redlock/pkg/store/redis"
)

// NewLockStores builds the quorum store set from lock.stores followed by one redis store per
// lock.servers URL. Every store is connected before returning; on any failure the stores already
// built are closed. When lock.breaker.enabled is set each store gets its own circuit breaker.
func NewLockStores(cfg config.LockConfig, log logger.Logger) ([]redlock.Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	descriptors := Descriptors(cfg)
	if len(descriptors) == 0 {
		return nil, errors.New("no lock stores configured (set lock.stores or lock.servers)")
	}

	stores := make([]redlock.Store, 0, len(descriptors))
	for index, descriptor := range descriptors {
		store, err := NewLockStore(descriptor, cfg, log)
		if err != nil {
			_ = CloseAll(stores)
			return nil, fmt.Errorf("lock store %d (%s): %w", index, descriptor.Type, err)
		}
		if cfg.Breaker.Enabled {
			store = redlock.WithCircuitBreaker(store, resilience.NewCircuitBreaker(resilience.BreakerConfig{
				MaxFailures: cfg.Breaker.MaxFailures,
				OpenTimeout: cfg.Breaker.OpenTimeout,
			}))
		}
		stores = append(stores, store)
	}
	log.Info("lock stores initialized", "stores", len(stores), "quorum", len(stores)/2+1)
	return stores, nil
}

// Descriptors returns lock.stores followed by one redis descriptor per non-blank lock.servers URL.
func Descriptors(cfg config.LockConfig) []config.StoreConfig {
	descriptors := make([]config.StoreConfig, 0, len(cfg.Stores)+len(cfg.Servers))
	descriptors = append(descriptors, cfg.Stores...)
	for _, server := range cfg.Servers {
		if trimmed := strings.TrimSpace(server); trimmed != "" {
			descriptors = append(descriptors, config.StoreConfig{Type: config.StoreTypeRedis, URL: trimmed})
		}
	}
	return descriptors
}

// NewLockStore selects and initializes one store adapter from its descriptor.
func NewLockStore(descriptor config.StoreConfig, lock config.LockConfig, log logger.Logger) (redlock.Store, error) {
	switch strings.ToLower(strings.TrimSpace(descriptor.Type)) {
	case config.StoreTypeRedis:
		database, err := redisDatabase(descriptor.Database)
		if err != nil {
			return nil, err
		}
		store, err := redis.New(redis.Config{
			Name:             descriptor.Name,
			URL:              descriptor.URL,
			Host:             descriptor.Host,
			Port:             descriptor.Port,
			Password:         descriptor.Password,
			Database:         database,
			Prefix:           lock.KeyPrefix,
			MaxConns:         descriptor.MaxConns,
			OperationTimeout: lock.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreTypePostgres:
		store, err := postgres.New(postgres.Config{
			Name:             descriptor.Name,
			URL:              descriptor.URL,
			Host:             descriptor.Host,
			Port:             descriptor.Port,
			User:             descriptor.User,
			Password:         descriptor.Password,
			Database:         descriptor.Database,
			Table:            descriptor.Table,
			OperationTimeout: lock.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreTypeDynamoDB:
		store, err := dynamodb.New(dynamodb.Config{
			Name:             descriptor.Name,
			Table:            descriptor.Table,
			Region:           descriptor.Region,
			Endpoint:         descriptor.Endpoint,
			AccessKeyID:      descriptor.AccessKeyID,
			SecretAccessKey:  descriptor.SecretAccessKey,
			SessionToken:     descriptor.SessionToken,
			OperationTimeout: lock.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreTypeMemcached:
		store, err := memcached.New(memcached.Config{
			Name:             descriptor.Name,
			Host:             descriptor.Host,
			Port:             descriptor.Port,
			Prefix:           lock.KeyPrefix,
			OperationTimeout: lock.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreTypeMemory:
		return memory.New(descriptor.Name), nil
	default:
		return nil, fmt.Errorf("unsupported lock store type %q (supported: redis, postgres, dynamodb, memcached, memory)", descriptor.Type)
	}
}

func redisDatabase(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	database, err := strconv.Atoi(raw)
	if err != nil || database < 0 {
		return 0, fmt.Errorf("invalid redis database %q", raw)
	}
	return database, nil
}
