package message_broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/utils/log"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// ChannelMessageBroker implements MessageBroker using Go channels. Every
// subscriber of a topic and routing key gets its own buffered channel.
type ChannelMessageBroker struct {
	topics map[string][]chan domain.Message
	mu     sync.RWMutex
	closed bool
}

// NewChannelMessageBroker creates a new channel-based message broker
func NewChannelMessageBroker() *ChannelMessageBroker {
	return &ChannelMessageBroker{
		topics: make(map[string][]chan domain.Message),
	}
}

// makeKey creates a unique key for topic and routingKey
func makeKey(topic, routingKey string) string {
	return topic + ":" + routingKey
}

// Publish delivers a message to every subscriber without blocking. With no
// subscribers the message is dropped; a full subscriber misses it.
func (b *ChannelMessageBroker) Publish(ctx context.Context, topic string, routingKey string, message []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("message broker is closed")
	}

	msg := domain.Message{
		Topic:      topic,
		RoutingKey: routingKey,
		Payload:    message,
		Timestamp:  time.Now(),
	}

	subscribers := b.topics[makeKey(topic, routingKey)]
	dropped := 0
	for _, channel := range subscribers {
		select {
		case channel <- msg:
		default:
			dropped++
		}
	}

	log.WithCtx(ctx).Debug("Message published to topic",
		zap.String("topic", topic),
		zap.String("routingKey", routingKey),
		zap.Int("subscribers", len(subscribers)),
		zap.Int("dropped", dropped),
		zap.Int("payload_size", len(message)))

	if dropped > 0 {
		return fmt.Errorf("%d subscriber(s) of %s:%s are full", dropped, topic, routingKey)
	}
	return nil
}

// Subscribe listens for messages on a specific topic and routing key
func (b *ChannelMessageBroker) Subscribe(ctx context.Context, topic string, routingKey string) (<-chan domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("message broker is closed")
	}

	key := makeKey(topic, routingKey)
	channel := make(chan domain.Message, subscriberBuffer)
	b.topics[key] = append(b.topics[key], channel)

	log.WithCtx(ctx).Debug("Subscribed to topic", zap.String("topic", topic), zap.String("routingKey", routingKey))
	return channel, nil
}

// Unsubscribe removes ch from the topic and closes it
func (b *ChannelMessageBroker) Unsubscribe(topic string, routingKey string, ch <-chan domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := makeKey(topic, routingKey)
	subscribers := b.topics[key]
	for i, channel := range subscribers {
		if channel == ch {
			close(channel)
			subscribers = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(subscribers) == 0 {
		delete(b.topics, key)
		return
	}
	b.topics[key] = subscribers
}

// Close closes the message broker and all subscriber channels
func (b *ChannelMessageBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for key, subscribers := range b.topics {
		for _, channel := range subscribers {
			close(channel)
		}
		log.With(zap.String("key", key)).Debug("Closed topic channels")
	}

	b.topics = make(map[string][]chan domain.Message)

	log.With().Info("Message broker closed")
	return nil
}

// GetTopicCount returns the number of topics with at least one subscriber
func (b *ChannelMessageBroker) GetTopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// IsClosed returns whether the broker is closed
func (b *ChannelMessageBroker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
