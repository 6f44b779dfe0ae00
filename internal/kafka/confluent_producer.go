package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/genfree/realtime/pkg/log"
)

// ProducerConfig configures the channel activity producer.
type ProducerConfig struct {
	Brokers           string
	Topic             string
	Partitions        int
	ReplicationFactor int

	// DrainTimeout bounds how long Close waits for queued events.
	DrainTimeout time.Duration
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// ConfluentProducer implements ActivityProducer using confluent-kafka-go.
// Events are keyed by channel key.
type ConfluentProducer struct {
	producer *kafka.Producer
	cfg      ProducerConfig
	doneCh   chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

func NewConfluentProducer(cfg ProducerConfig) (*ConfluentProducer, error) {
	cfg = cfg.withDefaults()

	if err := ensureActivityTopic(cfg); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("activity topic not created, relying on broker auto-create")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		cfg:      cfg,
		doneCh:   make(chan struct{}),
	}
	go cp.watchDeliveries()

	return cp, nil
}

// ensureActivityTopic creates the activity topic. An existing topic is
// left as it is, whatever its partition count.
func ensureActivityTopic(cfg ProducerConfig) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}})
	if err != nil {
		return err
	}

	for _, result := range results {
		switch result.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("create topic %s: %w", result.Topic, result.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) watchDeliveries() {
	defer close(cp.doneCh)
	for e := range cp.producer.Events() {
		if m, ok := e.(*kafka.Message); ok {
			cp.recordDelivery(m)
		}
	}
}

// recordDelivery counts one delivery report and logs failures with the
// channel they belonged to.
func (cp *ConfluentProducer) recordDelivery(m *kafka.Message) {
	if m.TopicPartition.Error == nil {
		cp.delivered.Add(1)
		return
	}
	cp.failed.Add(1)
	l := log.L()
	l.Error().Err(m.TopicPartition.Error).
		Str("topic", cp.cfg.Topic).
		Str(log.FieldChannelKey, string(m.Key)).
		Msg("channel activity not delivered")
}

// ProduceActivity publishes event keyed by channel, so one channel's
// activity stays ordered on one partition.
func (cp *ConfluentProducer) ProduceActivity(ctx context.Context, event *ActivityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}

	err = cp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &cp.cfg.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.ChannelKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "activity_type", Value: []byte(event.Type)},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce activity event: %w", err)
	}
	return nil
}

// Close drains queued activity for up to DrainTimeout, then closes the
// producer. Events still queued after the drain are counted as lost.
func (cp *ConfluentProducer) Close() error {
	remaining := cp.producer.Flush(int(cp.cfg.DrainTimeout.Milliseconds()))
	cp.producer.Close()
	<-cp.doneCh

	l := log.L()
	evt := l.Info()
	if remaining > 0 {
		evt = l.Warn()
	}
	evt.Int64("delivered", cp.delivered.Load()).
		Int64("failed", cp.failed.Load()).
		Int("undelivered", remaining).
		Msg("activity producer closed")

	if remaining > 0 {
		return fmt.Errorf("%d activity events not delivered", remaining)
	}
	return nil
}
