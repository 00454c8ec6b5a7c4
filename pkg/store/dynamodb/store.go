// Package dynamodb implements a lock store as items of a DynamoDB table using conditional writes.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/redlock/pkg/observability/logger"
)

const (
	DefaultTable            = "redlock_locks"
	defaultOperationTimeout = 5 * time.Second

	attrKey       = "lock_key"
	attrToken     = "token"
	attrExpiresAt = "expires_at"
	// attrTTL carries epoch seconds for the table TTL setting, so abandoned items are collected.
	attrTTL = "ttl"
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config holds DynamoDB store configuration.
type Config struct {
	Name             string
	Table            string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Store is one DynamoDB quorum member. Expiry is compared against the local clock, so the
// engine's drift allowance must cover skew between this process and the other lock clients.
type Store struct {
	name   string
	client API
	log    logger.Logger
	config Config
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New builds a DynamoDB client (custom endpoint supported) and checks that the table exists.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	store := NewWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	log.Info("dynamodb lock store initialized", "store", store.name, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return store, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "dynamodb:" + cfg.Table
	}
	return &Store{
		name:   name,
		client: client,
		log:    log,
		config: cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for expiry conditions.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Name() string { return s.name }

// TrySet writes the item unless a live item already exists for key.
func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item: map[string]types.AttributeValue{
			attrKey:       &types.AttributeValueMemberS{Value: key},
			attrToken:     &types.AttributeValueMemberS{Value: value},
			attrExpiresAt: millis(expiresAt),
			attrTTL:       &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Add(time.Second).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#key) OR #expires <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#key":     attrKey,
			"#expires": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		if IsThrottlingError(err) {
			s.log.Warn("dynamodb lock table throttled", "store", s.name, "operation", "put")
		}
		return false, fmt.Errorf("dynamodb put %s: %w", key, err)
	}
	return true, nil
}

// CompareDelete removes the item only while it is live and still carries value.
func (s *Store) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	_, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("#token = :token AND #expires > :now"),
		ExpressionAttributeNames: map[string]string{
			"#token":   attrToken,
			"#expires": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: value},
			":now":   millis(s.now()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		if IsThrottlingError(err) {
			s.log.Warn("dynamodb lock table throttled", "store", s.name, "operation", "delete")
		}
		return false, fmt.Errorf("dynamodb delete %s: %w", key, err)
	}
	return true, nil
}

// HealthCheck describes the lock table.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if _, err := s.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}); err != nil {
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the store closed. The SDK client holds no connections that need releasing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) ready() error {
	if s == nil || s.client == nil {
		return errors.New("dynamodb lock store is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("dynamodb lock store is closed")
	}
	return nil
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var conditionErr *types.ConditionalCheckFailedException
	return errors.As(err, &conditionErr)
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}
