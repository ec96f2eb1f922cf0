package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	errMissingBrokers = errors.New("events: kafka brokers required")
	errMissingTopic   = errors.New("events: kafka topic required")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaPublisherConfig describes the broker connection for vote change events.
type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string
	Logger  *zap.Logger
}

// KafkaPublisher writes vote changes to a topic keyed by project id so a project's
// changes stay ordered within one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher constructs an asynchronous writer. Delivery failures are logged
// from the writer's completion callback.
func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errMissingBrokers
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errMissingTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  5,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			logger.Warn("vote change delivery failed",
				zap.String("topic", topic),
				zap.Int("messages", len(messages)),
				zap.Error(err))
		},
	}

	return newKafkaPublisher(writer, topic, logger), nil
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// NotifyVoteChange implements votes.Notifier.
func (p *KafkaPublisher) NotifyVoteChange(ctx context.Context, change votes.VoteChange) {
	if err := p.Publish(ctx, change); err != nil {
		p.logger.Warn("vote change publish failed",
			zap.String("topic", p.topic),
			zap.String("project_id", change.ProjectID),
			zap.Error(err))
	}
}

// Publish enqueues one change. The request context is detached so a finished
// HTTP request does not cancel the write.
func (p *KafkaPublisher) Publish(ctx context.Context, change votes.VoteChange) error {
	payload, err := EncodeVoteChange(change)
	if err != nil {
		return fmt.Errorf("failed to marshal vote change: %w", err)
	}
	message := kafka.Message{
		Key:   []byte(change.ProjectID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(change.EventID)},
			{Key: "action", Value: []byte(change.Action)},
		},
	}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), message); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
