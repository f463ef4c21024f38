// Package queue distributes fetch jobs to ingest workers over Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lingopod/internal/config"
)

const (
	// WaitingQueue is the Redis list key for pending fetch jobs
	WaitingQueue = "lingopod:waiting"
	// RunningChannelsKey is the Redis set key for channels being fetched
	RunningChannelsKey = "lingopod:running-channels"
	// FailedQueueName is the Redis list key for failed jobs
	FailedQueueName = "lingopod:failed"
	// BlockTimeout is how long BRPOP will wait for a job
	BlockTimeout = 5 * time.Second
	// FailedJobTTL is how long failed jobs are kept in Redis
	FailedJobTTL = 30 * time.Minute
)

// Job asks a worker to fetch one channel's feed and ingest its episodes.
type Job struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"` // rss or csv
	Company    string    `json:"company"`
	Channel    string    `json:"channel"`
	FeedURL    string    `json:"feed_url,omitempty"`
	CSVPath    string    `json:"csv_path,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FailReason string    `json:"fail_reason,omitempty"` // Set when job fails
}

// NewJob fills in the id and timestamp.
func NewJob(source, company, channel string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Source:    source,
		Company:   company,
		Channel:   channel,
		CreatedAt: time.Now().UTC(),
	}
}

// Queue manages the Redis job queue
type Queue struct {
	client *redis.Client
}

// NewQueue creates a new queue connection
func NewQueue(ctx context.Context) (*Queue, error) {
	addr := fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort)
	slog.Debug("Connecting to Redis queue", "addr", addr)

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis queue initialized", "addr", addr)
	return &Queue{client: client}, nil
}

// NewQueueWithClient creates a queue with an existing Redis client (for testing)
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, WaitingQueue, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.Info("Job enqueued", "job_id", job.ID, "channel", job.Channel, "source", job.Source)
	return nil
}

// Dequeue removes and returns a job from the queue.
// This blocks for up to BlockTimeout waiting for a job; nil means no job.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if q.client == nil {
		return nil, fmt.Errorf("queue is not connected")
	}

	result, err := q.client.BRPop(ctx, BlockTimeout, WaitingQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid BRPOP result: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	slog.Info("Job dequeued", "job_id", job.ID, "channel", job.Channel)
	return &job, nil
}

// StartChannel marks a channel as being fetched.
// Returns false if another worker already holds it.
func (q *Queue) StartChannel(ctx context.Context, channel string) (bool, error) {
	if q.client == nil {
		return false, fmt.Errorf("queue is not connected")
	}

	added, err := q.client.SAdd(ctx, RunningChannelsKey, channel).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark channel as running: %w", err)
	}
	return added == 1, nil
}

// FinishChannel releases the channel claim.
func (q *Queue) FinishChannel(ctx context.Context, channel string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	if err := q.client.SRem(ctx, RunningChannelsKey, channel).Err(); err != nil {
		return fmt.Errorf("failed to release channel: %w", err)
	}
	return nil
}

// FailJob adds a job to the failed queue with a reason
func (q *Queue) FailJob(ctx context.Context, job *Job, reason string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	job.FailReason = reason
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.LPush(ctx, FailedQueueName, jobJSON)
	pipe.Expire(ctx, FailedQueueName, FailedJobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add job to failed queue: %w", err)
	}

	slog.Warn("Job failed", "job_id", job.ID, "channel", job.Channel, "reason", reason)
	return nil
}

// QueueLength returns the number of jobs in the queue
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("queue is not connected")
	}

	length, err := q.client.LLen(ctx, WaitingQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
