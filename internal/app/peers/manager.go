// Package peers owns the point-to-point media links of the local participant
// and drives offer/answer/ICE negotiation for each of them.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOrphanTTL = 10 * time.Second
	maxOrphans       = 64
)

// Sender publishes envelopes on the channel topic.
type Sender interface {
	Send(ctx context.Context, channelID domain.ChannelID, env domain.Envelope) error
}

// Callbacks surface link events to the orchestrator. Each callback may be nil.
// They run on connection goroutines, only for the current link of a remote,
// and must not block.
type Callbacks struct {
	OnTrack                    func(remote domain.UserID, track core.RemoteTrack)
	OnConnectionStateChange    func(remote domain.UserID, state webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(remote domain.UserID, state webrtc.ICEConnectionState)
}

type Config struct {
	Local     domain.UserID
	Channel   domain.ChannelID
	Factory   core.MediaConnectionFactory
	Sender    Sender
	Tracks    []webrtc.TrackLocal
	Callbacks Callbacks
	Metrics   *observability.Metrics
	// OrphanTTL bounds how long candidates for a remote without a link are kept.
	OrphanTTL time.Duration
	Now       func() time.Time
}

type orphan struct {
	candidate webrtc.ICECandidateInit
	at        time.Time
}

// Manager holds at most one Link per remote participant.
// Failures are reported through Callbacks and never retried here.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	links   map[domain.UserID]*Link
	orphans map[domain.UserID][]orphan
	closed  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = DefaultOrphanTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With().Str("module", "peers").Str("channel", string(cfg.Channel)).Str("user", string(cfg.Local)).Logger(),
		links:   make(map[domain.UserID]*Link),
		orphans: make(map[domain.UserID][]orphan),
	}
}

// CreateLink allocates a connection towards remote with all local tracks attached.
// Any previous link for remote is torn down first.
func (m *Manager) CreateLink(remote domain.UserID) (*Link, error) {
	if m.isClosed() {
		return nil, core.ErrClosed
	}
	conn, err := m.cfg.Factory.NewConnection(remote)
	if err != nil {
		return nil, fmt.Errorf("new connection to %s: %w", remote, err)
	}
	for _, track := range m.cfg.Tracks {
		if err := conn.AddTrack(track); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("add track to %s: %w", remote, err)
		}
	}
	link := newLink(remote, conn, m.cfg.Now())
	m.bind(link)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, core.ErrClosed
	}
	adopted, expired := m.takeOrphansLocked(remote)
	link.pending = adopted
	old := m.links[remote]
	m.links[remote] = link
	m.mu.Unlock()

	if old != nil {
		m.release(old)
		m.logger.Debug().Str("remote", string(remote)).Msg("link replaced")
	}
	m.cfg.Metrics.LinkOpened()

	for range expired {
		m.cfg.Metrics.StaleNegotiation("orphan")
	}
	if len(expired) > 0 {
		m.logger.Debug().Str("remote", string(remote)).Int("count", len(expired)).
			Err(core.ErrNegotiationStale).Msg("drop expired candidates")
	}
	return link, nil
}

func (m *Manager) bind(link *Link) {
	remote := link.remote
	link.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.current(link) {
			return
		}
		env, err := domain.NewEnvelope(domain.SignalICECandidate, m.cfg.Channel, m.cfg.Local, remote, c)
		if err != nil {
			m.logger.Error().Err(err).Msg("build candidate envelope")
			return
		}
		if err := m.cfg.Sender.Send(m.ctx, m.cfg.Channel, env); err != nil {
			m.logger.Warn().Str("remote", string(remote)).Err(err).Msg("send candidate")
		}
	})
	link.conn.OnTrack(func(track core.RemoteTrack) {
		if !m.current(link) {
			return
		}
		m.logger.Info().Str("remote", string(remote)).Str("track", track.ID()).Msg("remote track")
		if fn := m.cfg.Callbacks.OnTrack; fn != nil {
			fn(remote, track)
		}
	})
	link.conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		link.setState(s)
		if !m.current(link) {
			return
		}
		m.cfg.Metrics.LinkTransition(s.String())
		ev := m.logger.Debug()
		if s == webrtc.PeerConnectionStateFailed {
			ev = m.logger.Warn().Err(core.ErrConnectionFailed)
		}
		ev.Str("remote", string(remote)).Str("state", s.String()).Msg("link state")
		if fn := m.cfg.Callbacks.OnConnectionStateChange; fn != nil {
			fn(remote, s)
		}
	})
	link.conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if !m.current(link) {
			return
		}
		if fn := m.cfg.Callbacks.OnICEConnectionStateChange; fn != nil {
			fn(remote, s)
		}
	})
}

// Offer creates an offer towards remote, creating the link if needed, and sends it.
// It does nothing while a negotiation on the link is already in progress.
func (m *Manager) Offer(ctx context.Context, remote domain.UserID) error {
	link, err := m.ensure(remote)
	if err != nil {
		return err
	}
	link.mu.Lock()
	if link.Closed() {
		link.mu.Unlock()
		return core.ErrClosed
	}
	if st := link.conn.SignalingState(); st != webrtc.SignalingStateStable {
		link.mu.Unlock()
		m.logger.Debug().Str("remote", string(remote)).Str("signaling", st.String()).Msg("offer skipped")
		return nil
	}
	offer, err := link.conn.CreateOffer(ctx)
	link.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}
	return m.send(ctx, domain.SignalOffer, remote, offer)
}

// HandleRemoteOffer applies an offer from remote and answers it.
//
// On glare (the link holds its own pending offer) the polite side rolls back
// and answers while the impolite side ignores the incoming offer.
// An offer for a failed or closed link replaces that link.
func (m *Manager) HandleRemoteOffer(ctx context.Context, remote domain.UserID, offer webrtc.SessionDescription) error {
	link := m.Link(remote)
	if link == nil || link.Closed() || terminal(link.State()) {
		var err error
		if link, err = m.CreateLink(remote); err != nil {
			return err
		}
	}

	link.mu.Lock()
	if link.Closed() {
		link.mu.Unlock()
		return core.ErrClosed
	}
	if link.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !domain.Polite(m.cfg.Local, remote) {
			link.mu.Unlock()
			m.logger.Debug().Str("remote", string(remote)).Msg("glare, keep local offer")
			return nil
		}
		if err := link.conn.Rollback(); err != nil {
			link.mu.Unlock()
			return fmt.Errorf("rollback for %s: %w", remote, err)
		}
		m.logger.Debug().Str("remote", string(remote)).Msg("glare, rolled back")
	}
	if err := link.conn.SetRemoteDescription(offer); err != nil {
		link.mu.Unlock()
		return fmt.Errorf("set remote offer from %s: %w", remote, err)
	}
	link.remoteSet = true
	errs := link.flush()
	answer, err := link.conn.CreateAnswer(ctx)
	link.mu.Unlock()

	m.logFlush(remote, errs)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", remote, err)
	}
	return m.send(ctx, domain.SignalAnswer, remote, answer)
}

// HandleRemoteAnswer applies an answer to the pending local offer.
// With no link or no pending offer it returns core.ErrNegotiationStale.
func (m *Manager) HandleRemoteAnswer(remote domain.UserID, answer webrtc.SessionDescription) error {
	link := m.Link(remote)
	if link == nil {
		return m.stale("answer", remote)
	}
	link.mu.Lock()
	if link.Closed() || link.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		link.mu.Unlock()
		return m.stale("answer", remote)
	}
	if err := link.conn.SetRemoteDescription(answer); err != nil {
		link.mu.Unlock()
		return fmt.Errorf("set remote answer from %s: %w", remote, err)
	}
	link.remoteSet = true
	errs := link.flush()
	link.mu.Unlock()

	m.logFlush(remote, errs)
	return nil
}

// HandleRemoteICECandidate applies the candidate once the remote description
// is set and buffers it in receipt order before that. Candidates for a remote
// without a link are held for OrphanTTL and adopted by the next link.
func (m *Manager) HandleRemoteICECandidate(remote domain.UserID, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrClosed
	}
	link := m.links[remote]
	if link == nil {
		buf := m.orphans[remote]
		if len(buf) >= maxOrphans {
			buf = buf[1:]
			m.cfg.Metrics.StaleNegotiation("orphan")
		}
		m.orphans[remote] = append(buf, orphan{candidate: candidate, at: m.cfg.Now()})
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	link.mu.Lock()
	defer link.mu.Unlock()
	if link.Closed() {
		return m.stale("ice-candidate", remote)
	}
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		return nil
	}
	if err := link.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", remote, err)
	}
	return nil
}

// CloseLink tears down the link for remote. Safe to call repeatedly.
func (m *Manager) CloseLink(remote domain.UserID) {
	m.mu.Lock()
	link := m.links[remote]
	delete(m.links, remote)
	delete(m.orphans, remote)
	m.mu.Unlock()
	if link != nil {
		m.release(link)
		m.logger.Debug().Str("remote", string(remote)).Msg("link closed")
	}
}

// CloseAll tears down every link and cancels in-flight sends.
// The manager cannot be reused afterwards. Safe to call repeatedly.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[domain.UserID]*Link)
	m.orphans = make(map[domain.UserID][]orphan)
	m.mu.Unlock()

	m.cancel()
	for _, link := range links {
		m.release(link)
	}
}

// Link returns the current link for remote, or nil.
func (m *Manager) Link(remote domain.UserID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[remote]
}

// Links returns a snapshot of the current links.
func (m *Manager) Links() map[domain.UserID]*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]*Link, len(m.links))
	for id, l := range m.links {
		out[id] = l
	}
	return out
}

func (m *Manager) ensure(remote domain.UserID) (*Link, error) {
	if link := m.Link(remote); link != nil && !link.Closed() {
		return link, nil
	}
	return m.CreateLink(remote)
}

func (m *Manager) current(link *Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link.remote] == link
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) release(link *Link) {
	if link.close() {
		m.cfg.Metrics.LinkClosed()
	}
}

// takeOrphansLocked splits buffered candidates for remote into fresh and expired.
func (m *Manager) takeOrphansLocked(remote domain.UserID) (fresh []webrtc.ICECandidateInit, expired []webrtc.ICECandidateInit) {
	now := m.cfg.Now()
	for _, o := range m.orphans[remote] {
		if now.Sub(o.at) > m.cfg.OrphanTTL {
			expired = append(expired, o.candidate)
			continue
		}
		fresh = append(fresh, o.candidate)
	}
	delete(m.orphans, remote)
	return fresh, expired
}

func (m *Manager) send(ctx context.Context, typ domain.SignalType, remote domain.UserID, desc webrtc.SessionDescription) error {
	env, err := domain.NewEnvelope(typ, m.cfg.Channel, m.cfg.Local, remote, desc)
	if err != nil {
		return err
	}
	return m.cfg.Sender.Send(ctx, m.cfg.Channel, env)
}

func (m *Manager) stale(kind string, remote domain.UserID) error {
	m.cfg.Metrics.StaleNegotiation(kind)
	m.logger.Debug().Str("remote", string(remote)).Str("kind", kind).Msg("stale negotiation")
	return core.ErrNegotiationStale
}

func (m *Manager) logFlush(remote domain.UserID, errs []error) {
	if len(errs) > 0 {
		m.logger.Warn().Str("remote", string(remote)).Err(errors.Join(errs...)).Msg("apply buffered candidates")
	}
}

func terminal(s webrtc.PeerConnectionState) bool {
	return s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed
}
