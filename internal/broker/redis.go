// Package broker fans escrow events out to other instances over Redis
// pub/sub.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/metrics"
)

const queueSize = 512

// RedisPublisher implements escrow.EventSink. Events are queued and
// published from Run so the caller never waits on Redis.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	queue   chan *escrow.Event
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan *escrow.Event, queueSize),
		logger:  logger,
	}
}

// Publish queues ev. When the queue is full the event is dropped and
// counted.
func (p *RedisPublisher) Publish(_ context.Context, ev *escrow.Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("broker queue full, dropping event", "escrow_id", ev.EscrowID, "kind", ev.Kind)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run drains the queue until ctx is done. Call in a goroutine.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.send(ctx, ev)
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, ev *escrow.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to encode event", "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Warn("failed to publish event",
			"escrow_id", ev.EscrowID,
			"kind", ev.Kind,
			"error", err,
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
}

// RedisSubscriber delivers events published by any instance.
type RedisSubscriber struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisSubscriber creates a subscriber.
func NewRedisSubscriber(client redis.UniversalClient, logger *slog.Logger) *RedisSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, logger: logger}
}

// Subscribe starts delivering events on channel to sink until ctx is done.
// It returns once the subscription is confirmed.
func (s *RedisSubscriber) Subscribe(ctx context.Context, channel string, sink escrow.EventSink) error {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	ch := pubsub.Channel()

	go func() {
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev escrow.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				sink.Publish(ctx, &ev)
			}
		}
	}()

	return nil
}
