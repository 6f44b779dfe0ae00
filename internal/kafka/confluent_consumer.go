package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/genfree/realtime/pkg/log"
)

// ConfluentConsumer implements StreamEventConsumer using confluent-kafka-go.
type ConfluentConsumer struct {
	consumer *kafka.Consumer
	topic    string
	handler  StreamEventHandler
	doneCh   chan struct{}
}

func NewConfluentConsumer(brokers, topic, groupID string, handler StreamEventHandler) (*ConfluentConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &ConfluentConsumer{
		consumer: c,
		topic:    topic,
		handler:  handler,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start subscribes and begins consuming in the background.
func (cc *ConfluentConsumer) Start(ctx context.Context) error {
	if err := cc.consumer.Subscribe(cc.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", cc.topic, err)
	}
	go cc.consumeLoop(ctx)
	return nil
}

func (cc *ConfluentConsumer) consumeLoop(ctx context.Context) {
	defer close(cc.doneCh)
	l := log.L()

	for {
		select {
		case <-ctx.Done():
			l.Info().Str("topic", cc.topic).Msg("kafka consumer shutting down")
			return
		default:
		}

		msg, err := cc.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			l.Error().Err(err).Str("topic", cc.topic).Msg("kafka consumer error")
			continue
		}

		dispatch(ctx, cc.handler, msg.Value)
	}
}

// dispatch decodes one lifecycle message and hands it to handler.
// Malformed events are logged and skipped.
func dispatch(ctx context.Context, handler StreamEventHandler, value []byte) {
	l := log.Ctx(ctx)

	var event StreamEvent
	if err := json.Unmarshal(value, &event); err != nil {
		l.Warn().Err(err).Msg("failed to unmarshal stream event")
		return
	}
	if err := event.Validate(); err != nil {
		l.Warn().Err(err).Msg("dropping stream event")
		return
	}

	l.Info().Str(log.FieldEventType, event.Type).Str("stream_id", event.StreamID).Msg("received stream event")
	if err := handler.HandleStreamEvent(ctx, &event); err != nil {
		l.Error().Err(err).Str("stream_id", event.StreamID).Msg("failed to handle stream event")
	}
}

// Close waits for the consume loop to exit, then closes the consumer.
// The caller must cancel the Start context first.
func (cc *ConfluentConsumer) Close() error {
	<-cc.doneCh
	if err := cc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
