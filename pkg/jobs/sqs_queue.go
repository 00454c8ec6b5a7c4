package jobs

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
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/redlock/pkg/observability/logger"
)

const (
	DefaultSQSWaitTime          = 10 * time.Second
	DefaultSQSVisibilityTimeout = 30 * time.Second
	DefaultSQSOperationTimeout  = 30 * time.Second

	maxSQSWaitTime = 20 * time.Second

	sqsAttributeJobName = "job_name"
	sqsAttributeJobID   = "job_id"
)

// SQSAPI is the subset of *sqs.Client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueueConfig configures an SQS backed queue.
type SQSQueueConfig struct {
	Region          string
	QueueURL        string
	DeadLetterURL   string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Queue is the logical queue name written into envelopes.
	Queue             string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	OperationTimeout  time.Duration
}

func (c *SQSQueueConfig) normalize() {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "default"
	}
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultSQSWaitTime
	}
	if c.WaitTime > maxSQSWaitTime {
		c.WaitTime = maxSQSWaitTime
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultSQSVisibilityTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultSQSOperationTimeout
	}
}

// SQSQueue sends envelopes as SQS message bodies. A reserved message stays invisible for the
// visibility timeout and is redelivered when a worker neither acks nor nacks it.
type SQSQueue struct {
	client SQSAPI
	log    logger.Logger
	config SQSQueueConfig

	mu     sync.RWMutex
	closed bool
}

// NewSQSQueue builds an SQS client from cfg and verifies the queue with GetQueueAttributes.
func NewSQSQueue(cfg SQSQueueConfig, log logger.Logger) (*SQSQueue, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, jobsError(ErrValidation, "aws region is required")
	}

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

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	queue, err := NewSQSQueueWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	if err := queue.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	log.Info("sqs job queue connected", "queue", queue.config.Queue, "queue_url", cfg.QueueURL)
	return queue, nil
}

// NewSQSQueueWithClient wraps an existing client.
func NewSQSQueueWithClient(client SQSAPI, cfg SQSQueueConfig, log logger.Logger) (*SQSQueue, error) {
	if client == nil {
		return nil, jobsError(ErrInvalidArgument, "sqs client is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, jobsError(ErrValidation, "sqs queue URL is required")
	}
	cfg.normalize()
	return &SQSQueue{client: client, log: log, config: cfg}, nil
}

// Push implements Dispatcher.
func (q *SQSQueue) Push(ctx context.Context, job Job) error {
	env, err := NewEnvelope(q.config.Queue, job)
	if err != nil {
		return err
	}
	return q.send(ctx, q.config.QueueURL, env)
}

func (q *SQSQueue) send(ctx context.Context, queueURL string, env Envelope) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()

	_, err = q.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(raw)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			sqsAttributeJobName: {DataType: aws.String("String"), StringValue: aws.String(env.Name)},
			sqsAttributeJobID:   {DataType: aws.String("String"), StringValue: aws.String(env.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send sqs message: %w", err)
	}
	return nil
}

// Reserve implements Queue. The attempt counter comes from ApproximateReceiveCount since a
// redelivered message keeps its original body.
func (q *SQSQueue) Reserve(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	wait := q.config.WaitTime
	if timeout > 0 && timeout < wait {
		wait = timeout
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.config.QueueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             int32(wait / time.Second),
		VisibilityTimeout:           int32(q.config.VisibilityTimeout / time.Second),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive sqs message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)
	env, err := decodeEnvelope([]byte(aws.ToString(msg.Body)))
	if err != nil {
		return nil, q.rejectMalformed(ctx, msg, err)
	}
	if count, convErr := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); convErr == nil && count > 0 {
		env.Attempt = count - 1
	}
	return &Delivery{Envelope: env, Receipt: receipt}, nil
}

// Ack implements Queue.
func (q *SQSQueue) Ack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	return q.delete(ctx, delivery.Receipt)
}

// Nack implements Queue by making the message visible again right away.
func (q *SQSQueue) Nack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err := q.client.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.config.QueueURL),
		ReceiptHandle:     aws.String(delivery.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release sqs message: %w", err)
	}
	return nil
}

// MoveToDLQ implements Queue. Without a dead letter URL the message is deleted, leaving
// redrive to the queue's own policy.
func (q *SQSQueue) MoveToDLQ(ctx context.Context, delivery *Delivery, reason error) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	if q.config.DeadLetterURL != "" {
		if err := q.send(ctx, q.config.DeadLetterURL, delivery.Envelope); err != nil {
			return err
		}
	} else {
		q.log.Warn("job exhausted attempts and no dead letter queue is configured",
			"job_id", delivery.Envelope.ID, "job_name", delivery.Envelope.Name, "reason", reason)
	}
	return q.delete(ctx, delivery.Receipt)
}

// rejectMalformed forwards an undecodable body untouched to the dead letter queue, when one is
// configured, and deletes it from the work queue. It returns decodeErr, joined with any failure.
func (q *SQSQueue) rejectMalformed(ctx context.Context, msg types.Message, decodeErr error) error {
	messageID := aws.ToString(msg.MessageId)
	if q.config.DeadLetterURL != "" {
		opCtx, cancel := q.operationContext(ctx)
		_, err := q.client.SendMessage(opCtx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.config.DeadLetterURL),
			MessageBody: msg.Body,
		})
		cancel()
		if err != nil {
			// Left in place: the message becomes visible again and is retried.
			q.log.Error("failed to dead-letter malformed job envelope", "message_id", messageID, "error", err)
			return errors.Join(decodeErr, fmt.Errorf("failed to send sqs message: %w", err))
		}
		q.log.Warn("dead-lettered malformed job envelope", "queue_url", q.config.QueueURL, "message_id", messageID, "error", decodeErr)
	} else {
		q.log.Warn("deleting malformed job envelope", "queue_url", q.config.QueueURL, "message_id", messageID, "error", decodeErr)
	}
	if err := q.delete(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
		return errors.Join(decodeErr, err)
	}
	return decodeErr
}

// HealthCheck implements Queue.
func (q *SQSQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err := q.client.GetQueueAttributes(opCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

// Close implements Queue.
func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err := q.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete sqs message: %w", err)
	}
	return nil
}

func (q *SQSQueue) ensureOpen() error {
	if q == nil || q.client == nil {
		return jobsError(ErrNotInitialized, "sqs queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobsError(ErrClosed, "sqs queue is closed")
	}
	return nil
}

func (q *SQSQueue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}
