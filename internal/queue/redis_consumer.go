/**
 * Direct Redis Queue Consumer for the datescan worker
 *
 * Compatible with the TypeScript RedisQueue producers: job IDs are pushed
 * onto a LIST, job bodies live in the <queue>:data hash, and progress is
 * tracked in status sets plus an events channel.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
)

const (
	defaultProcessingTimeout = 30 * time.Second
	statusWriteTimeout       = 5 * time.Second
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// redisQueueClient is the part of *redis.Client the list consumer uses
type redisQueueClient interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    redisQueueClient
	processor processor.FrameProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.FrameProcessorInterface
	ProcessingTimeout int64 // Per-frame timeout in milliseconds (default: 30000)
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	client, err := NewRedisClient(context.Background(), cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return newRedisConsumer(client, cfg), nil
}

func newRedisConsumer(client redisQueueClient, cfg *RedisConsumerConfig) *RedisConsumer {
	if cfg.QueueName == "" {
		cfg.QueueName = "datescan:frames"
	}

	// A single worker keeps frames in arrival order
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
		ctx:       consumerCtx,
		cancel:    cancel,
	}
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer. Jobs already popped run to
// completion and their status is written before Stop returns.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if stderrors.Is(err, errNoJobs) {
					continue
				}
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Error("Worker error", "worker", id, "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	// From here on the job is off the list; it must end up re-queued or
	// in a status set even if Stop is called meanwhile
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	jobData, err := c.client.HGet(ctx, c.key("data"), jobID).Result()
	cancel()
	if err != nil {
		c.updateJobStatus(jobID, "failed", map[string]interface{}{"error": fmt.Sprintf("job data unavailable: %v", err)})
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		// A malformed body will never parse; fail it instead of retrying
		perr := errors.NewInvalidPayloadError(jobID, "job body is not valid JSON", err)
		c.updateJobStatus(jobID, "failed", perr.ToMap())
		return perr
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Payload.FrameID == "" {
		job.Payload.FrameID = job.ID
	}

	c.updateJobStatus(job.ID, "processing", nil)

	processResult, err := c.processJob(&job)
	if err != nil {
		c.logger.Warn("Job failed", "jobId", job.ID, "error", err)

		// Cut short by shutdown: hand it back without spending an attempt
		if c.ctx.Err() != nil && stderrors.Is(err, context.Canceled) {
			c.requeue(&job)
			c.logger.Info("Job re-queued on shutdown", "jobId", job.ID)
			return nil
		}

		job.Attempts++
		if job.Attempts < job.MaxRetries && retryable(err) {
			c.requeue(&job)
			c.logger.Info("Job re-queued for retry",
				"jobId", job.ID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		} else {
			c.updateJobStatus(job.ID, "failed", failureDetails(err, job.Attempts))
		}
		return nil
	}

	c.updateJobStatus(job.ID, "completed", processResult)
	return nil
}

// processJob runs one job through the processor under the frame timeout.
// The job context is not tied to the consumer so Stop lets it finish.
func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.FrameResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(c.config.ProcessingTimeout))
	defer cancel()

	return c.processor.ProcessFrame(ctx, job.Payload.ToFrameRequest("redis"))
}

// requeue stores the updated job body and pushes it back onto the list
func (c *RedisConsumer) requeue(job *RedisJobData) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	updatedData, _ := json.Marshal(job)
	c.client.HSet(ctx, c.key("data"), job.ID, updatedData)
	c.client.SRem(ctx, c.key("processing"), job.ID)
	if err := c.client.LPush(ctx, c.config.QueueName, job.ID).Err(); err != nil {
		c.logger.Error("Failed to re-queue job", "jobId", job.ID, "error", err)
	}
}

// updateJobStatus moves a job between the status sets and publishes an event
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	switch status {
	case "processing":
		c.client.SAdd(ctx, c.key("processing"), jobID)
	case "completed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("results"), jobID, resultData)
		}
	case "failed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("errors"), jobID, errorData)
		}
	}

	eventData, _ := json.Marshal(jobEvent(jobID, status, time.Now()))
	if err := c.client.Publish(ctx, c.key("events"), eventData).Err(); err != nil {
		c.logger.Warn("Failed to publish job event", "jobId", jobID, "status", status, "error", err)
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}

func jobEvent(jobID, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
}

func timeoutFor(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultProcessingTimeout
}

// retryable reports whether another attempt could succeed. Payload and
// format errors are permanent.
func retryable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorInvalidPayload, errors.ErrorUnsupportedFormat:
		return false
	}
	return true
}

func failureDetails(err error, attempts int) map[string]interface{} {
	var details map[string]interface{}
	var perr *errors.ProcessingError
	if stderrors.As(err, &perr) {
		details = perr.ToMap()
	} else {
		details = map[string]interface{}{"error": err.Error()}
	}
	details["attempts"] = attempts
	return details
}
