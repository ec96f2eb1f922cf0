package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisPublishTimeout = 2 * time.Second
	defaultRedisQueueSize      = 256
)

var errMissingChannel = errors.New("events: redis channel required")

type channelPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisherConfig describes the pub/sub target for vote change events.
type RedisPublisherConfig struct {
	URL     string
	Channel string
	Timeout time.Duration
	Logger  *zap.Logger
}

// RedisPublisher broadcasts vote changes on a Redis channel. Notifications are queued
// and published by a background worker; a full queue drops the change.
type RedisPublisher struct {
	client  channelPublisher
	channel string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan votes.VoteChange
	done   chan struct{}
}

// NewRedisPublisher parses the URL and pings the server before returning.
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, errMissingChannel
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	return newRedisPublisher(client, channel, cfg.Timeout, defaultRedisQueueSize, cfg.Logger), nil
}

func newRedisPublisher(client channelPublisher, channel string, timeout time.Duration, queueSize int, logger *zap.Logger) *RedisPublisher {
	if timeout <= 0 {
		timeout = defaultRedisPublishTimeout
	}
	if queueSize <= 0 {
		queueSize = defaultRedisQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan votes.VoteChange, queueSize),
		done:    make(chan struct{}),
	}
	go publisher.run()
	return publisher
}

// NotifyVoteChange implements votes.Notifier. It never waits on Redis.
func (p *RedisPublisher) NotifyVoteChange(_ context.Context, change votes.VoteChange) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- change:
	default:
		p.logger.Warn("vote change dropped",
			zap.String("channel", p.channel),
			zap.String("project_id", change.ProjectID),
			zap.Int("queue_size", cap(p.queue)))
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for change := range p.queue {
		if err := p.Publish(context.Background(), change); err != nil {
			p.logger.Warn("vote change publish failed",
				zap.String("channel", p.channel),
				zap.String("project_id", change.ProjectID),
				zap.Error(err))
		}
	}
}

// Publish sends the anonymized change to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, change votes.VoteChange) error {
	payload, err := json.Marshal(NewVoteChangeEvent(change).Anonymized())
	if err != nil {
		return fmt.Errorf("failed to marshal vote change: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.client.Publish(publishCtx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("error publishing to redis: %w", err)
	}
	return nil
}

// Close drains queued changes, then releases the underlying client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("error closing redis client: %w", err)
	}
	return nil
}
