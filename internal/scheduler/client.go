// Package scheduler moves queued notifications from the outbox table onto
// an asynq queue and runs the worker that delivers them.
package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"lifecycle_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const defaultQueue = "default"

// Client enqueues delivery tasks.
type Client struct {
	client *asynq.Client
	queue  string
}

// NewClient connects to the Redis instance named by cfg.
func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	opt, err := connOpt(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueOutboxDue schedules delivery of one outbox row at runAt.
func (c *Client) EnqueueOutboxDue(ctx context.Context, outboxID uuid.UUID, runAt time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewNotificationOutboxDueTask(NotificationOutboxDuePayload{OutboxID: outboxID.String()})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task, asynq.ProcessAt(runAt), asynq.Queue(c.queue), asynq.Timeout(outboxTaskTimeout))
	return err
}

func connOpt(cfg config.SchedulerConfig) (asynq.RedisClientOpt, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return asynq.RedisClientOpt{}, fmt.Errorf("redis url not configured")
	}
	return redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
}

func queueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqQueueName(); q != "" {
		return q
	}
	return defaultQueue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parse redis url: %w", err)
	}

	tlsConfig := opt.TLSConfig
	switch {
	case tlsConfig != nil && tlsInsecure:
		tlsConfig = tlsConfig.Clone()
		tlsConfig.InsecureSkipVerify = true
	case tlsConfig == nil && tlsInsecure:
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
