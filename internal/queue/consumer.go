/**
 * Task Queue Consumer for the datescan worker
 *
 * Consumes "process-frame" tasks with Asynq. Enqueue is the producer side
 * used by the CLI and by tests of upstream services.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
)

// Consumer handles task consumption from an Asynq queue
type Consumer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.FrameProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.FrameProcessorInterface
	ProcessingTimeout int64 // Per-frame timeout in milliseconds (default: 30000)
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Frames go stale quickly: 1s, 2s, 4s, capped at 10s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(1<<uint(n)) * time.Second
				if delay > 10*time.Second {
					delay = 10 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		inspector: asynq.NewInspector(redisOpt),
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskProcessFrame, consumer.handleProcessFrame)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting task queue consumer",
		"concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping task queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	c.logger.Info("Task queue consumer stopped")
	return nil
}

// handleProcessFrame processes one frame task
func (c *Consumer) handleProcessFrame(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		perr := errors.NewInvalidPayloadError("", "task payload is not valid JSON", err)
		return fmt.Errorf("%v: %w", perr, asynq.SkipRetry)
	}

	if payload.FrameID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.FrameID = id
		}
	}

	processCtx, cancel := context.WithTimeout(ctx, timeoutFor(c.config.ProcessingTimeout))
	defer cancel()

	result, err := c.processor.ProcessFrame(processCtx, payload.ToFrameRequest("asynq"))
	if err != nil {
		if !retryable(err) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return fmt.Errorf("frame processing failed: %w", err)
	}

	c.logger.Debug("Task completed", "frameId", result.FrameID, "found", result.Found)
	return nil
}

// Enqueue submits a frame task to the given queue
func Enqueue(ctx context.Context, redisURL, queueName string, payload *JobPayload) (string, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	client := asynq.NewClient(redisOpt)
	defer client.Close()

	info, err := client.EnqueueContext(ctx, asynq.NewTask(TaskProcessFrame, data),
		asynq.Queue(queueName), asynq.MaxRetry(3), asynq.Timeout(time.Minute))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue frame: %w", err)
	}
	return info.ID, nil
}

// GetStats returns queue statistics in the same shape as the Redis list
// consumer. A queue nothing was enqueued to yet reports zeros.
func (c *Consumer) GetStats(ctx context.Context) (map[string]int64, error) {
	queues, err := c.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	if !contains(queues, c.config.QueueName) {
		return map[string]int64{"waiting": 0, "processing": 0, "completed": 0, "failed": 0, "retry": 0}, nil
	}

	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue info: %w", err)
	}
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
		"retry":      int64(info.Retry),
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
