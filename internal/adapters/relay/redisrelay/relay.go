// Package redisrelay carries relay topics over Redis pub/sub so that clients
// attached to different relay servers see each other's envelopes.
package redisrelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Relay struct {
	client  *redis.Client
	metrics *observability.Metrics
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, cfg Config, metrics *observability.Metrics) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", core.ErrSignalingUnavailable, err)
	}
	return New(client, metrics), nil
}

func New(client *redis.Client, metrics *observability.Metrics) *Relay {
	return &Relay{client: client, metrics: metrics}
}

func (r *Relay) Publish(ctx context.Context, topic string, data []byte) error {
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		r.metrics.RelayFrame("publish", "error")
		return fmt.Errorf("%w: redis publish: %w", core.ErrSignalingUnavailable, err)
	}
	r.metrics.RelayFrame("publish", "ok")
	return nil
}

// Subscribe waits for the SUBSCRIBE confirmation before returning, so a
// Publish issued afterwards is guaranteed to reach handler.
func (r *Relay) Subscribe(ctx context.Context, topic string, handler func([]byte)) (core.Subscription, error) {
	ps := r.client.Subscribe(context.Background(), topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe: %w", core.ErrSignalingUnavailable, err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.run(topic, handler, r.metrics)
	return sub, nil
}

// Ping checks the Redis connection.
func (r *Relay) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Relay) Close() error { return r.client.Close() }

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (s *subscription) run(topic string, handler func([]byte), metrics *observability.Metrics) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		metrics.RelayFrame("deliver", "ok")
		handler([]byte(msg.Payload))
	}
	log.Debug().Str("module", "relay.redis").Str("topic", topic).Msg("subscription ended")
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (s *subscription) Done() <-chan struct{} { return s.done }
