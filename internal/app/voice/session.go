package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app/peers"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/signaling"
	"github.com/pion/webrtc/v4"
)

const (
	eventQueueSize = 256
	writeQueueSize = 64
)

// presence is the payload of join and leave envelopes.
type presence struct {
	JoinedAt time.Time `json:"joined_at"`
}

type remote struct {
	participant domain.Participant
	// present is false for remotes known only from signaling so far.
	present  bool
	sinceSeq uint64

	state     webrtc.PeerConnectionState
	ice       webrtc.ICEConnectionState
	track     core.RemoteTrack
	speaking  bool
	err       error
	attempts  int
	offeredAt time.Time
}

// session is the state of one joined channel. Fields below mu are shared with
// the API goroutines; the rest are owned by the event loop.
type session struct {
	channel domain.ChannelID
	self    domain.Participant
	media   core.LocalMedia
	peers   *peers.Manager
	signal  *signaling.Channel
	sigSub  core.Subscription
	rowSub  core.Subscription
	onWrite func(op string, err error)

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	writes chan func(context.Context)
	wg     sync.WaitGroup

	mu          sync.Mutex
	remotes     map[domain.UserID]*remote
	deafened    bool
	speaking    bool
	presenceErr error

	departed   map[domain.UserID]time.Time
	fetchSeq   uint64
	appliedSeq uint64
	fetching   bool
	dirty      bool
	waiters    []chan error
	lastInfo   domain.ConnectionInfo
	initial    []domain.Participant
}

// post schedules fn on the event loop. It reports false once the session stopped.
func (s *session) post(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// write queues a store write; writes run one at a time in queue order.
func (s *session) write(op string, fn func(ctx context.Context) error) {
	select {
	case s.writes <- func(ctx context.Context) { s.onWrite(op, fn(ctx)) }:
	default:
		s.onWrite(op, fmt.Errorf("%w: %s: write queue full", core.ErrPersistenceFailure, op))
	}
}

func (s *session) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case w := <-s.writes:
			w(s.ctx)
		}
	}
}

func (s *session) setDeafened(deafened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deafened = deafened
	for _, r := range s.remotes {
		if r.track != nil {
			r.track.SetPlayback(!deafened)
		}
	}
}

func (s *session) fill(v *View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Local.Speaking = s.speaking
	v.PresenceError = s.presenceErr
	v.Remotes = make(map[domain.UserID]RemoteView, len(s.remotes))
	for id, r := range s.remotes {
		if !r.present {
			continue
		}
		v.Remotes[id] = RemoteView{
			Participant: r.participant,
			LinkState:   r.state,
			Track:       r.track,
			Speaking:    r.speaking,
			Err:         r.err,
		}
	}
}

func (c *Controller) start(ctx context.Context, channelID domain.ChannelID, muted, deafened bool) (*session, error) {
	media, err := c.cfg.Media.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisitionDenied, err)
	}
	media.SetEnabled(!muted)

	undo := []func(){media.Stop}
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	self, err := c.cfg.Store.Join(ctx, channelID, c.cfg.Local)
	if err != nil {
		c.cfg.Metrics.StoreError("join")
		rollback()
		return nil, wrapPersistence("join", err)
	}
	undo = append(undo, func() {
		// The join context may be cancelled already.
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cfg.Store.Leave(lctx, channelID, c.cfg.Local); err != nil {
			c.cfg.Metrics.StoreError("leave")
			c.report(wrapPersistence("leave", err))
		}
	})
	// Join keeps an existing row untouched, and a row left behind by a crashed
	// client may already look stale to the others.
	if err := c.cfg.Store.Heartbeat(ctx, channelID, c.cfg.Local); err != nil {
		c.cfg.Metrics.StoreError("heartbeat")
		rollback()
		return nil, wrapPersistence("heartbeat", err)
	}
	self.LastHeartbeat = c.cfg.Now()

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		channel:  channelID,
		self:     self,
		media:    media,
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan func(), eventQueueSize),
		writes:   make(chan func(context.Context), writeQueueSize),
		remotes:  make(map[domain.UserID]*remote),
		deafened: deafened,
		departed: make(map[domain.UserID]time.Time),
	}
	s.onWrite = func(op string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		c.cfg.Metrics.StoreError(op)
		c.logger.Error().Str("channel", string(channelID)).Str("op", op).Err(err).Msg("session store write")
		c.report(wrapPersistence(op, err))
	}
	undo = append(undo, cancel)

	s.signal = signaling.New(c.cfg.Relay, c.cfg.Local, c.cfg.Metrics)
	s.peers = peers.NewManager(peers.Config{
		Local:   c.cfg.Local,
		Channel: channelID,
		Factory: c.cfg.Factory,
		Sender:  s.signal,
		Tracks:  media.Tracks(),
		Callbacks: peers.Callbacks{
			OnTrack: func(remote domain.UserID, track core.RemoteTrack) {
				s.post(func() { c.onTrack(s, remote, track) })
			},
			OnConnectionStateChange: func(remote domain.UserID, state webrtc.PeerConnectionState) {
				s.post(func() { c.onLinkState(s, remote, state) })
			},
			OnICEConnectionStateChange: func(remote domain.UserID, state webrtc.ICEConnectionState) {
				s.post(func() { c.onICEState(s, remote, state) })
			},
		},
		Metrics: c.cfg.Metrics,
		Now:     c.cfg.Now,
	})
	undo = append(undo, s.peers.CloseAll)

	s.rowSub, err = c.cfg.Store.Subscribe(ctx, channelID, func(change domain.ParticipantChange) {
		s.post(func() { c.onRowChange(s, change) })
	})
	if err != nil {
		c.cfg.Metrics.StoreError("subscribe")
		rollback()
		return nil, wrapPersistence("subscribe", err)
	}
	undo = append(undo, func() { _ = s.rowSub.Close() })

	s.sigSub, err = s.signal.Subscribe(ctx, channelID, func(env domain.Envelope) {
		s.post(func() { c.dispatch(s, env) })
	})
	if err != nil {
		rollback()
		return nil, err
	}
	undo = append(undo, func() { _ = s.sigSub.Close() })

	rows, err := c.cfg.Store.List(ctx, channelID)
	if err != nil {
		c.cfg.Metrics.StoreError("list")
		rollback()
		return nil, wrapPersistence("list", err)
	}

	env, err := domain.NewEnvelope(domain.SignalJoin, channelID, c.cfg.Local, "", presence{JoinedAt: self.JoinedAt})
	if err == nil {
		err = s.signal.Send(ctx, channelID, env)
	}
	if err != nil {
		rollback()
		return nil, err
	}

	if ctx.Err() != nil {
		rollback()
		return nil, ctx.Err()
	}

	s.fetchSeq = 1
	s.initial = rows
	if muted || deafened {
		upd := domain.FlagsUpdate{IsMuted: ptr(muted), IsDeafened: ptr(deafened)}
		s.write("update_flags", func(ctx context.Context) error {
			_, err := c.cfg.Store.UpdateFlags(ctx, channelID, c.cfg.Local, upd)
			return err
		})
	}

	s.wg.Add(2)
	go c.run(s)
	go s.writer()
	if d, ok := s.sigSub.(core.DoneNotifier); ok {
		go c.watch(s, d.Done())
	}
	return s, nil
}

// teardown stops s. With announce a leave envelope is broadcast first.
func (c *Controller) teardown(ctx context.Context, s *session, announce bool) {
	if announce {
		env, err := domain.NewEnvelope(domain.SignalLeave, s.channel, c.cfg.Local, "", presence{JoinedAt: s.self.JoinedAt})
		if err == nil {
			err = s.signal.Send(ctx, s.channel, env)
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("leave broadcast")
		}
	}
	s.cancel()
	s.wg.Wait()

	s.peers.CloseAll()
	_ = s.sigSub.Close()
	_ = s.rowSub.Close()
	if err := c.cfg.Store.Leave(ctx, s.channel, c.cfg.Local); err != nil {
		c.cfg.Metrics.StoreError("leave")
		c.logger.Error().Str("channel", string(s.channel)).Err(err).Msg("session store leave")
		c.report(wrapPersistence("leave", err))
	}
	s.media.Stop()
}

// watch tears the session down when the signaling subscription ends on its own.
func (c *Controller) watch(s *session, done <-chan struct{}) {
	select {
	case <-s.ctx.Done():
		return
	case <-done:
	}
	c.mu.Lock()
	if c.session != s || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.session = nil
	c.mu.Unlock()

	c.logger.Warn().Str("channel", string(s.channel)).Msg("signaling lost, disconnected")
	c.report(fmt.Errorf("%w: subscription ended", core.ErrSignalingUnavailable))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.teardown(ctx, s, false)
	c.publish()
}

func (c *Controller) run(s *session) {
	defer s.wg.Done()
	var heartbeat, poll <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	if c.cfg.PollInterval > 0 {
		t := time.NewTicker(c.cfg.PollInterval)
		defer t.Stop()
		poll = t.C
	}
	for {
		select {
		case <-s.ctx.Done():
			for _, w := range s.waiters {
				w <- core.ErrNotJoined
			}
			return
		case fn := <-s.events:
			fn()
		case <-heartbeat:
			c.onHeartbeat(s)
		case <-poll:
			c.onPoll(s)
		}
	}
}
