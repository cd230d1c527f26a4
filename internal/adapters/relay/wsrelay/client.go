package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const clientModule = "relay.ws.client"

var (
	ErrRejected = errors.New("relay rejected request")
	// ErrRateLimited is returned together with ErrRejected when the server
	// refused a publish over the per-user rate.
	ErrRateLimited = errors.New("relay rate limit exceeded")
)

type ClientConfig struct {
	URL string
	// Token is sent as a bearer token on the upgrade request.
	Token      string
	SendQueue  int
	ReadLimit  int64
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
}

// Client is a core.Relay backed by one websocket to a relay server.
// When the socket drops every subscription ends and further calls fail with
// core.ErrSignalingUnavailable.
type Client struct {
	conn   *wsConn
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	topics  map[string]map[*subscription]struct{}
	pending map[string]chan error
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial relay: %w", core.ErrSignalingUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    newConn(ws, cfg.SendQueue),
		cancel:  cancel,
		done:    make(chan struct{}),
		topics:  make(map[string]map[*subscription]struct{}),
		pending: make(map[string]chan error),
	}
	go c.conn.writePump(runCtx, clientModule, cfg.PingPeriod)
	go func() {
		defer close(c.done)
		defer cancel()
		c.conn.readPump(clientModule, cfg.ReadLimit, 0, c.handle)
		c.failPending()
		log.Info().Str("module", clientModule).Msg("relay connection closed")
	}()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.conn.Close()
	<-c.done
	return nil
}

// Publish returns once the server accepted or rejected the frame.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("wsrelay: publish payload must be JSON")
	}
	return c.request(ctx, Frame{Op: OpPublish, Topic: topic, Data: data})
}

// Subscribe returns once the server confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func([]byte)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		client:  c,
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	first := len(c.topics[topic]) == 0
	if c.topics[topic] == nil {
		c.topics[topic] = make(map[*subscription]struct{})
	}
	c.topics[topic][sub] = struct{}{}
	c.mu.Unlock()

	if first {
		if err := c.request(ctx, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.remove(sub)
			return nil, err
		}
	}
	go sub.run()
	return sub, nil
}

func (c *Client) request(ctx context.Context, f Frame) error {
	f.ID = uuid.NewString()
	ack := make(chan error, 1)
	c.mu.Lock()
	c.pending[f.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-c.done:
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, ErrConnClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) send(f Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, ErrConnClosed)
	default:
	}
	if err := c.conn.SendFrame(f); err != nil {
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, err)
	}
	return nil
}

func (c *Client) handle(f Frame) {
	switch f.Op {
	case OpMessage:
		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.topics[f.Topic]))
		for sub := range c.topics[f.Topic] {
			subs = append(subs, sub)
		}
		c.mu.Unlock()
		for _, sub := range subs {
			sub.push(f.Data)
		}
	case OpAck, OpError:
		var err error
		if f.Op == OpError {
			err = rejection(f.Error)
		}
		c.mu.Lock()
		ack, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			ack <- err
		} else if err != nil {
			log.Warn().Str("module", clientModule).Str("topic", f.Topic).Str("error", f.Error).Msg("relay error")
		}
	default:
		log.Warn().Str("module", clientModule).Str("op", string(f.Op)).Msg("unknown frame")
	}
}

func rejection(reason string) error {
	if reason == errRateLimited.Error() {
		return fmt.Errorf("%w: %w", ErrRejected, ErrRateLimited)
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ack := range c.pending {
		select {
		case ack <- fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, ErrConnClosed):
		default:
		}
		delete(c.pending, id)
	}
}

// remove detaches sub and unsubscribes from the server with the last one.
func (c *Client) remove(sub *subscription) {
	c.mu.Lock()
	subs := c.topics[sub.topic]
	delete(subs, sub)
	last := len(subs) == 0
	if last {
		delete(c.topics, sub.topic)
	}
	c.mu.Unlock()
	if last {
		_ = c.send(Frame{Op: OpUnsubscribe, Topic: sub.topic})
	}
}

type subscription struct {
	client  *Client
	topic   string
	handler func([]byte)
	queue   chan []byte
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) push(data []byte) {
	select {
	case s.queue <- data:
	default:
		log.Warn().Str("module", clientModule).Str("topic", s.topic).Msg("subscriber queue full, drop")
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.client.done:
			return
		case msg := <-s.queue:
			s.handler(msg)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.client.remove(s)
	})
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }
