package message_broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/utils/log"
)

// queueSize bounds how many transcriptions may wait for the listener.
const queueSize = 100

var (
	ErrClosed    = errors.New("message broker is closed")
	ErrQueueFull = errors.New("topic queue is full")
)

type route struct {
	topic      string
	routingKey string
}

func (r route) String() string {
	if r.routingKey == "" {
		return r.topic
	}
	return r.topic + ":" + r.routingKey
}

// ChannelMessageBroker is an in-process domain.MessageBroker. Every
// topic/routing key pair is one buffered queue; subscribers of the same pair
// compete for its messages. Messages published before anyone subscribes wait
// in the queue.
type ChannelMessageBroker struct {
	mu     sync.Mutex
	queues map[route]chan domain.Message
	closed bool
}

func NewChannelMessageBroker() *ChannelMessageBroker {
	return &ChannelMessageBroker{
		queues: make(map[route]chan domain.Message),
	}
}

// queueLocked returns the queue for r, creating it. b.mu must be held.
func (b *ChannelMessageBroker) queueLocked(r route) (chan domain.Message, error) {
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[r]
	if !ok {
		q = make(chan domain.Message, queueSize)
		b.queues[r] = q
	}
	return q, nil
}

// Publish enqueues message without blocking.
func (b *ChannelMessageBroker) Publish(ctx context.Context, topic string, routingKey string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := route{topic, routingKey}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(r)
	if err != nil {
		return err
	}

	select {
	case q <- domain.Message{Topic: topic, RoutingKey: routingKey, Payload: message, Timestamp: time.Now()}:
		log.WithCtx(ctx).Debug("Message published", zap.Stringer("route", r), zap.Int("payload_size", len(message)))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, r)
	}
}

// Subscribe returns the queue for topic and routingKey. It is closed by Close.
func (b *ChannelMessageBroker) Subscribe(ctx context.Context, topic string, routingKey string) (<-chan domain.Message, error) {
	r := route{topic, routingKey}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(r)
	if err != nil {
		return nil, err
	}

	log.WithCtx(ctx).Info("Subscribed", zap.Stringer("route", r))
	return q, nil
}

// Pending reports how many messages wait on topic and routingKey.
func (b *ChannelMessageBroker) Pending(topic, routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[route{topic, routingKey}])
}

// Close closes every queue. Further calls are no-ops.
func (b *ChannelMessageBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	log.With(zap.Int("queues", len(b.queues))).Info("Message broker closed")
	b.queues = nil
	return nil
}
