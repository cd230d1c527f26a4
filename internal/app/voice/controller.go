// Package voice orchestrates the local user's membership in one voice channel:
// join and leave, signaling dispatch, presence reconciliation and the live
// participant view.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultMaxReconnects     = 3
)

// ErrTransition is returned by Join while another join or leave is running.
var ErrTransition = errors.New("voice: join or leave in progress")

type Config struct {
	Local   domain.UserID
	Relay   core.Relay
	Store   core.SessionStore
	Media   core.MediaProvider
	Factory core.MediaConnectionFactory

	// Analyzer classifies local capture; nil uses the default FFT analyzer.
	Analyzer *audio.Analyzer
	// SpeakingLevel is the RFC 6464 threshold for remote speaking.
	SpeakingLevel uint8

	// HeartbeatInterval of zero uses the default; negative disables heartbeats and staleness.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	// PollInterval of zero uses the default; negative disables speaking detection.
	PollInterval  time.Duration
	MaxReconnects int

	Metrics *observability.Metrics
	// OnError receives asynchronous failures: persistence writes, failed links,
	// presence refresh errors and signaling loss. It may run on any goroutine.
	OnError func(error)
	Now     func() time.Time
}

func (c *Config) withDefaults() {
	if c.Analyzer == nil {
		c.Analyzer = audio.NewAnalyzer(audio.DefaultFFTSize, audio.DefaultThreshold)
	}
	if c.SpeakingLevel == 0 {
		c.SpeakingLevel = audio.DefaultSpeakingLevel
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Controller is the VoiceChannelController for one local user.
// All methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	logger zerolog.Logger
	notify notifier

	mu         sync.Mutex
	state      State
	session    *session
	joining    domain.ChannelID
	cancelJoin context.CancelFunc
	abortJoin  bool
	muted      bool
	deafened   bool
	version    uint64
}

func New(cfg Config) *Controller {
	cfg.withDefaults()
	return &Controller{
		cfg:    cfg,
		logger: log.With().Str("module", "voice").Str("user", string(cfg.Local)).Logger(),
		state:  StateDisconnected,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the joined channel, or "" when disconnected.
func (c *Controller) Channel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.channel
}

// Join enters channelID. It is a no-op when already connected to it and
// leaves any other channel first. On failure nothing is left behind:
// no session row, subscription or capture.
func (c *Controller) Join(ctx context.Context, channelID domain.ChannelID) error {
	if err := channelID.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case StateJoining, StateLeaving:
		c.mu.Unlock()
		return ErrTransition
	case StateConnected:
		if c.session.channel == channelID {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := c.Leave(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return ErrTransition
		}
	}
	jctx, cancel := context.WithCancel(ctx)
	c.state = StateJoining
	c.joining = channelID
	c.cancelJoin = cancel
	muted, deafened := c.muted, c.deafened
	c.mu.Unlock()
	c.publish()

	s, err := c.start(jctx, channelID, muted, deafened)
	cancel()

	c.mu.Lock()
	c.joining = ""
	c.cancelJoin = nil
	aborted := c.abortJoin
	c.abortJoin = false
	if err == nil && aborted {
		c.state = StateLeaving
		c.mu.Unlock()
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.teardown(tctx, s, true)
		tcancel()
		err = context.Canceled
		c.mu.Lock()
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.publish()
		c.logger.Warn().Str("channel", string(channelID)).Err(err).Msg("join failed")
		return err
	}
	c.session = s
	c.state = StateConnected
	// Flags may have changed while joining.
	if c.muted != muted || c.deafened != deafened {
		s.media.SetEnabled(!c.muted)
		s.setDeafened(c.deafened)
		c.persistFlags(s, domain.FlagsUpdate{IsMuted: ptr(c.muted), IsDeafened: ptr(c.deafened)})
	}
	c.mu.Unlock()

	c.logger.Info().Str("channel", string(channelID)).Msg("joined")
	s.post(func() { c.applyInitial(s) })
	c.publish()
	return nil
}

// Leave exits the current channel. It is safe from any state and always
// returns nil; teardown failures go to OnError. Leaving while a join is in
// flight cancels that join.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateLeaving:
		c.mu.Unlock()
		return nil
	case StateJoining:
		c.abortJoin = true
		c.cancelJoin()
		c.mu.Unlock()
		return nil
	}
	s := c.session
	c.state = StateLeaving
	c.mu.Unlock()
	c.publish()

	c.teardown(ctx, s, true)

	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.logger.Info().Str("channel", string(s.channel)).Msg("left")
	c.publish()
	return nil
}

// SetMuted toggles the outgoing audio at once and persists the flag in the background.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	s := c.session
	if s != nil {
		s.media.SetEnabled(!muted)
		c.persistFlags(s, domain.FlagsUpdate{IsMuted: ptr(muted)})
	}
	c.mu.Unlock()
	c.publish()
}

// SetDeafened toggles playout of every remote track at once and persists the flag in the background.
// Deafening does not mute.
func (c *Controller) SetDeafened(deafened bool) {
	c.mu.Lock()
	c.deafened = deafened
	s := c.session
	if s != nil {
		s.setDeafened(deafened)
		c.persistFlags(s, domain.FlagsUpdate{IsDeafened: ptr(deafened)})
	}
	c.mu.Unlock()
	c.publish()
}

// Resync refreshes the participant list from the store and reconciles links.
func (c *Controller) Resync(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return core.ErrNotJoined
	}
	done := make(chan error, 1)
	if !s.post(func() { c.requestResync(s, done) }) {
		return core.ErrNotJoined
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return core.ErrNotJoined
	}
}

// Subscribe registers fn for view updates and calls it once with the current view.
// fn must not block. The returned func cancels the subscription.
func (c *Controller) Subscribe(fn func(View)) func() {
	id := c.notify.add(fn)
	fn(c.View())
	return func() { c.notify.remove(id) }
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		State: c.state,
		Local: LocalView{UserID: c.cfg.Local, Muted: c.muted, Deafened: c.deafened},
	}
	switch {
	case c.session != nil:
		v.ChannelID = c.session.channel
		c.session.fill(&v)
	case c.state == StateJoining:
		v.ChannelID = c.joining
	}
	return v
}

func (c *Controller) publish() {
	c.mu.Lock()
	c.version++
	ver := c.version
	v := c.viewLocked()
	c.mu.Unlock()
	c.notify.deliver(ver, v)
}

func (c *Controller) report(err error) {
	if err == nil {
		return
	}
	if fn := c.cfg.OnError; fn != nil {
		fn(err)
	}
}

// persistFlags queues a flags write. Caller holds c.mu.
func (c *Controller) persistFlags(s *session, upd domain.FlagsUpdate) {
	s.write("update_flags", func(ctx context.Context) error {
		_, err := c.cfg.Store.UpdateFlags(ctx, s.channel, c.cfg.Local, upd)
		return err
	})
}

func ptr[T any](v T) *T { return &v }

func wrapPersistence(op string, err error) error {
	if err == nil || errors.Is(err, core.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrPersistenceFailure, op, err)
}
