// Package memrelay is an in-process core.Relay used by tests, the headless client
// in single-process mode, and the relay server's local fanout.
package memrelay

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/rs/zerolog/log"
)

const DefaultQueueSize = 256

var ErrDown = errors.New("memrelay: relay down")

// Hub fans published messages out to every subscription of a topic.
// Each subscription has its own queue and goroutine, so a slow handler
// never blocks the publisher; when the queue is full the message is dropped.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[*subscription]struct{}
	down      bool
	queueSize int
	metrics   *observability.Metrics
}

func New(metrics *observability.Metrics) *Hub {
	return &Hub{
		topics:    make(map[string]map[*subscription]struct{}),
		queueSize: DefaultQueueSize,
		metrics:   metrics,
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.down {
		return ErrDown
	}
	for sub := range h.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case sub.queue <- msg:
		default:
			h.metrics.EnvelopeDropped("backpressure")
			log.Warn().Str("module", "relay.mem").Str("topic", topic).Msg("subscriber queue full, drop")
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string, handler func([]byte)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrDown
	}
	sub := &subscription{
		hub:   h,
		topic: topic,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*subscription]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	go sub.run(handler)
	return sub, nil
}

// SetDown makes Publish and Subscribe fail. Going down also ends every
// live subscription, as a dropped connection would.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	var dropped []*subscription
	if down {
		for _, subs := range h.topics {
			for sub := range subs {
				dropped = append(dropped, sub)
			}
		}
		h.topics = make(map[string]map[*subscription]struct{})
	}
	h.mu.Unlock()
	for _, sub := range dropped {
		sub.stop()
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()
}

type subscription struct {
	hub   *Hub
	topic string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) run(handler func([]byte)) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			handler(msg)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) Close() error {
	s.hub.remove(s)
	s.stop()
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }
