package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/genfree/realtime/pkg/log"
)

const defaultRelayTopic = "realtime-relay"

// KafkaPubSub implements PubSub on a single Kafka topic. The relay channel
// name becomes the message key, which keeps one hub channel on one partition.
type KafkaPubSub struct {
	producer  *kafka.Producer
	consumers []*kafka.Consumer
	config    KafkaConfig
	groupID   string
	mu        sync.Mutex
	doneCh    chan struct{}
}

// NewKafkaPubSub creates a Kafka-backed relay.
func NewKafkaPubSub(cfg KafkaConfig, instanceID string) (*KafkaPubSub, error) {
	if cfg.Topic == "" {
		cfg.Topic = defaultRelayTopic
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

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "realtime-relay"
	}
	if instanceID != "" {
		groupID = groupID + "-" + sanitizeGroupID(instanceID)
	}

	k := &KafkaPubSub{
		producer: p,
		config:   cfg,
		groupID:  groupID,
		doneCh:   make(chan struct{}),
	}
	go k.deliveryReportHandler()

	if err := k.ensureTopic(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure relay topic (may already exist)")
	}

	return k, nil
}

func (k *KafkaPubSub) ensureTopic() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             k.config.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (k *KafkaPubSub) deliveryReportHandler() {
	l := log.L()
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Error().Err(m.TopicPartition.Error).Msg("relay delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish produces event keyed by channel.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.config.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(channel),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// SubscribePattern consumes the whole relay topic. Kafka has no pattern
// subscription on keys, so pattern only needs to be RelayPattern.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if pattern != RelayPattern {
		return nil, fmt.Errorf("kafka relay supports only %q, got %q", RelayPattern, pattern)
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                k.groupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(k.config.Topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", k.config.Topic, err)
	}

	k.mu.Lock()
	k.consumers = append(k.consumers, c)
	k.mu.Unlock()

	eventCh := make(chan *Event, 100)
	go k.consumeMessages(ctx, c, eventCh)
	return eventCh, nil
}

func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, eventCh chan<- *Event) {
	defer close(eventCh)
	l := log.L()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := c.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l.Warn().Err(err).Msg("relay: invalid kafka payload")
				continue
			}
			if event.Channel == "" {
				event.Channel, _ = ChannelKeyFromRelay(string(e.Key))
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			default:
				l.Warn().Str(log.FieldChannelKey, event.Channel).Msg("relay: consumer lagging, event dropped")
			}

		case kafka.Error:
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("relay kafka error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Ping asks the cluster for metadata of the relay topic.
func (k *KafkaPubSub) Ping(ctx context.Context) error {
	timeout := 5000
	if dl, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(dl).Milliseconds())
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}
	_, err := k.producer.GetMetadata(&k.config.Topic, false, timeout)
	return err
}

// Close closes consumers and flushes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	for _, c := range k.consumers {
		c.Close()
	}
	k.consumers = nil
	k.mu.Unlock()

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.doneCh
	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
