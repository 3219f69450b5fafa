// Package kafka publishes domain events for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// Event types published by the decision core.
const (
	EventJudgmentRecorded        = "judgment.recorded"
	EventDeploymentStatusChanged = "deployment.status_changed"
	EventTrustLevelChanged       = "trust.level_changed"
)

// eventSource identifies this service in the event envelope.
const eventSource = "decision-core"

// Event is the envelope for all published events.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent builds an event envelope for the given type and payload.
func NewEvent(eventType string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    eventSource,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Producer publishes events to Kafka. When Kafka is disabled the
// producer drops events, so callers never branch on configuration.
type Producer struct {
	producer sarama.SyncProducer
	cfg      config.KafkaConfig
	log      *logger.Logger
}

// NewProducer creates a producer for the configured brokers. A disabled
// configuration yields a no-op producer and no broker connection.
func NewProducer(cfg config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	p := &Producer{cfg: cfg, log: log.WithComponent("kafka")}
	if !cfg.Enabled {
		p.log.Info("kafka disabled, domain events will not be published")
		return p, nil
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	p.producer = producer
	p.log.Info("kafka producer connected", "brokers", cfg.Brokers)
	return p, nil
}

// Enabled reports whether events are actually published.
func (p *Producer) Enabled() bool {
	return p.producer != nil
}

// Publish publishes a message to the given topic.
func (p *Producer) Publish(ctx context.Context, topic string, key string, value any) error {
	if p.producer == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.log.Debug("event published",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// PublishEvent publishes an event envelope to the given topic. The key
// partitions the topic, so events sharing a key keep their order.
func (p *Producer) PublishEvent(ctx context.Context, topic string, key string, event Event) error {
	return p.Publish(ctx, topic, key, event)
}

// PublishJudgment publishes a judgment event keyed by ruleset, giving
// downstream consumers per-ruleset ordering.
func (p *Producer) PublishJudgment(ctx context.Context, ev models.JudgmentRecordedEvent) error {
	return p.PublishEvent(ctx, p.cfg.Topics.Judgments, ev.RulesetID.String(), NewEvent(EventJudgmentRecorded, ev))
}

// PublishDeployment publishes a deployment transition keyed by deployment.
func (p *Producer) PublishDeployment(ctx context.Context, ev models.DeploymentStatusChangedEvent) error {
	return p.PublishEvent(ctx, p.cfg.Topics.Deployments, ev.DeploymentID.String(), NewEvent(EventDeploymentStatusChanged, ev))
}

// PublishTrustChange publishes a trust level transition keyed by ruleset.
func (p *Producer) PublishTrustChange(ctx context.Context, ev models.TrustLevelChangedEvent) error {
	return p.PublishEvent(ctx, p.cfg.Topics.Trust, ev.RulesetID.String(), NewEvent(EventTrustLevelChanged, ev))
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// Health checks the Kafka connection. A disabled producer is healthy.
func (p *Producer) Health(ctx context.Context) error {
	if p.producer == nil {
		return nil
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Net.DialTimeout = 5 * time.Second

	client, err := sarama.NewClient(p.cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer client.Close()

	return nil
}
