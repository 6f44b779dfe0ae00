package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/genfree/realtime/pkg/log"
	"github.com/genfree/realtime/pkg/pubsub"
)

// RelayHandler delivers relayed events to local members.
type RelayHandler interface {
	DeliverRelayed(ctx context.Context, event *pubsub.Event) error
}

var errSubscriptionClosed = errors.New("relay subscription closed")

// Subscriber receives events published by any instance and hands them to
// the local handler.
type Subscriber struct {
	relay         pubsub.Subscriber
	handler       RelayHandler
	reconnectWait time.Duration
	doneCh        chan struct{}
}

// NewSubscriber creates a relay subscriber.
func NewSubscriber(relay pubsub.Subscriber, handler RelayHandler) *Subscriber {
	return &Subscriber{
		relay:         relay,
		handler:       handler,
		reconnectWait: 2 * time.Second,
		doneCh:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run() exits.
func (s *Subscriber) Done() <-chan struct{} { return s.doneCh }

// Run subscribes to every relay channel until ctx is done, resubscribing
// after transport failures.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.doneCh)
	l := log.L()

	for {
		err := s.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		l.Warn().Err(err).Dur("retry_in", s.reconnectWait).Msg("relay subscription error, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectWait):
		}
	}
}

func (s *Subscriber) runSubscription(ctx context.Context) error {
	events, err := s.relay.SubscribePattern(ctx, pubsub.RelayPattern)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return errSubscriptionClosed
			}
			s.handleEvent(ctx, event)
		}
	}
}

func (s *Subscriber) handleEvent(ctx context.Context, event *pubsub.Event) {
	l := log.L()

	if event == nil || event.Channel == "" {
		return
	}
	if err := s.handler.DeliverRelayed(ctx, event); err != nil {
		l.Error().Err(err).
			Str(log.FieldChannelKey, event.Channel).
			Str(log.FieldEventType, event.Type).
			Str("origin", event.Origin).
			Msg("relay: delivery error")
	}
}
