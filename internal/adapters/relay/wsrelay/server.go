package wsrelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const serverModule = "relay.ws.server"

var (
	errBadTopic       = errors.New("topic not allowed")
	errSenderMismatch = errors.New("sender does not match the authenticated user")
	errChannelTopic   = errors.New("envelope channel does not match topic")
	errRateLimited    = errors.New("rate limited")
	errUnknownOp      = errors.New("unknown op")
)

type ServerConfig struct {
	// Backend fans frames out between connections, locally or across servers.
	Backend    core.Relay
	Limiter    *RateLimiter
	Policy     Policy
	Metrics    *observability.Metrics
	SendQueue  int
	ReadLimit  int64
	PingPeriod time.Duration
}

type Server struct {
	cfg ServerConfig
	reg *registry
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Policy == nil {
		cfg.Policy = SimplePolicy{}
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return &Server{cfg: cfg, reg: newRegistry()}
}

// Connections returns the number of users with a live connection.
func (s *Server) Connections() int { return s.reg.count() }

// Serve bridges ws for user until the socket closes or ctx ends.
// It takes ownership of ws. A later connection for the same user ends this one.
func (s *Server) Serve(ctx context.Context, ws *websocket.Conn, user domain.UserID) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := s.reg.bind(user, cancel)

	sess := &serverSession{
		srv:  s,
		user: user,
		conn: newConn(ws, s.cfg.SendQueue),
		subs: make(map[string]core.Subscription),
	}
	s.cfg.Metrics.RelayClientConnected()
	log.Info().Str("module", serverModule).Str("user", string(user)).Msg("relay client connected")
	defer func() {
		if s.reg.release(user, id) {
			s.cfg.Limiter.Forget(user)
		}
		sess.closeAll()
		s.cfg.Metrics.RelayClientDisconnected()
		log.Info().Str("module", serverModule).Str("user", string(user)).Msg("relay client disconnected")
	}()

	go sess.conn.writePump(ctx, serverModule, s.cfg.PingPeriod)
	go func() {
		<-ctx.Done()
		sess.conn.Close()
	}()
	sess.conn.readPump(serverModule, s.cfg.ReadLimit, s.cfg.PingPeriod, func(f Frame) {
		sess.handle(ctx, f)
	})
}

type serverSession struct {
	srv  *Server
	user domain.UserID
	conn *wsConn

	mu    sync.Mutex
	subs  map[string]core.Subscription
	drops int
}

func (ss *serverSession) handle(ctx context.Context, f Frame) {
	var err error
	switch f.Op {
	case OpSubscribe:
		err = ss.subscribe(ctx, f.Topic)
	case OpUnsubscribe:
		ss.unsubscribe(f.Topic)
	case OpPublish:
		err = ss.publish(ctx, f)
	default:
		err = errUnknownOp
	}
	status := "ok"
	if err != nil {
		status = "rejected"
		log.Warn().Err(err).Str("module", serverModule).Str("user", string(ss.user)).
			Str("op", string(f.Op)).Str("topic", f.Topic).Msg("frame rejected")
		_ = ss.conn.SendFrame(Frame{Op: OpError, ID: f.ID, Topic: f.Topic, Error: err.Error()})
	} else if f.ID != "" {
		_ = ss.conn.SendFrame(Frame{Op: OpAck, ID: f.ID, Topic: f.Topic})
	}
	ss.srv.cfg.Metrics.RelayFrame(string(f.Op), status)
}

func (ss *serverSession) subscribe(ctx context.Context, topic string) error {
	if !validTopic(topic) {
		return errBadTopic
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.subs[topic]; ok {
		return nil
	}
	sub, err := ss.srv.cfg.Backend.Subscribe(ctx, topic, func(data []byte) {
		ss.deliver(topic, data)
	})
	if err != nil {
		return err
	}
	ss.subs[topic] = sub
	return nil
}

func (ss *serverSession) unsubscribe(topic string) {
	ss.mu.Lock()
	sub, ok := ss.subs[topic]
	delete(ss.subs, topic)
	ss.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// publish forwards only envelopes that the authenticated user signed as
// sender and that belong to the channel the topic names.
func (ss *serverSession) publish(ctx context.Context, f Frame) error {
	if !validTopic(f.Topic) {
		return errBadTopic
	}
	env, err := domain.UnmarshalEnvelope(f.Data)
	if err != nil {
		return err
	}
	if env.SenderID != ss.user {
		return errSenderMismatch
	}
	if core.ChannelTopic(env.ChannelID) != f.Topic {
		return errChannelTopic
	}
	if !ss.srv.cfg.Limiter.Allow(ss.user) {
		ss.srv.cfg.Metrics.EnvelopeDropped("rate_limited")
		return errRateLimited
	}
	return ss.srv.cfg.Backend.Publish(ctx, f.Topic, f.Data)
}

func (ss *serverSession) deliver(topic string, data []byte) {
	err := ss.conn.SendFrame(Frame{Op: OpMessage, Topic: topic, Data: data})
	ss.mu.Lock()
	if !errors.Is(err, ErrBackpressure) {
		ss.drops = 0
		ss.mu.Unlock()
		return
	}
	ss.drops++
	drops := ss.drops
	ss.mu.Unlock()

	ss.srv.cfg.Metrics.EnvelopeDropped("backpressure")
	if ss.srv.cfg.Policy.OnBackpressure(ss.user, topic, drops) == Disconnect {
		log.Warn().Str("module", serverModule).Str("user", string(ss.user)).Int("drops", drops).Msg("slow client, disconnecting")
		ss.conn.Close()
	}
}

func (ss *serverSession) closeAll() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[string]core.Subscription)
	ss.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}
