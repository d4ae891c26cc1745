package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultBridgeChannel = "collab:feed"

// RedisBridge shares the feed between API instances. Publish writes to a Redis
// channel; Run relays everything received on that channel into the local broker,
// including events this instance published itself.
type RedisBridge struct {
	client    *redis.Client
	broker    *Broker
	channel   string
	logger    *zap.Logger
	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBridge constructs a bridge on the default channel.
func NewRedisBridge(client *redis.Client, broker *Broker, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		broker:  broker,
		channel: defaultBridgeChannel,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready closes once the bridge has confirmed its Redis subscription.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Publish sends the event to every instance through Redis.
func (b *RedisBridge) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" || event.Operation == "" {
		return ErrInvalidTopic
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("feed: redis publish: %w", err)
	}
	return nil
}

// Run relays Redis messages into the local broker until ctx ends. The Redis
// client resubscribes on its own after a connection loss; every
// resubscription drops local subscribers with ErrTransportLost so they
// resync the events published while the link was down.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("feed: redis subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("feed bridge subscribed", zap.String("channel", b.channel))

	messages := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-messages:
			if !ok {
				dropped := b.broker.DropAll(ErrTransportLost)
				b.logger.Warn("feed bridge lost redis subscription", zap.Int("dropped_subscribers", dropped))
				return ErrTransportLost
			}
			switch message := received.(type) {
			case *redis.Subscription:
				if message.Kind != "subscribe" {
					continue
				}
				dropped := b.broker.DropAll(ErrTransportLost)
				b.logger.Warn("feed bridge resubscribed after redis reconnect",
					zap.String("channel", message.Channel),
					zap.Int("dropped_subscribers", dropped),
				)
			case *redis.Message:
				b.relay(ctx, message)
			}
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, message *redis.Message) {
	var event Event
	if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
		b.logger.Warn("feed bridge dropped malformed event", zap.Error(err))
		return
	}
	if err := b.broker.Publish(ctx, event); err != nil && !errors.Is(err, ErrInvalidTopic) {
		b.logger.Warn("feed bridge local publish failed", zap.Error(err), zap.String("topic", event.Topic))
	}
}
