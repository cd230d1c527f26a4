package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Everything in this file runs on the session event loop.

func (c *Controller) applyInitial(s *session) {
	rows := s.initial
	s.initial = nil
	c.applySnapshot(s, 1, rows, nil)
}

// requestResync fetches a fresh snapshot in the background. Requests made
// while a fetch is running are coalesced into one more fetch.
func (c *Controller) requestResync(s *session, waiter chan error) {
	if waiter != nil {
		s.waiters = append(s.waiters, waiter)
	}
	if s.fetching {
		s.dirty = true
		return
	}
	s.fetching = true
	s.fetchSeq++
	seq := s.fetchSeq
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rows, err := c.cfg.Store.List(s.ctx, s.channel)
		s.post(func() {
			s.fetching = false
			c.applySnapshot(s, seq, rows, err)
			if s.dirty {
				s.dirty = false
				c.requestResync(s, nil)
			}
		})
	}()
}

// applySnapshot diffs the known remotes against rows and opens or closes links.
func (c *Controller) applySnapshot(s *session, seq uint64, rows []domain.Participant, err error) {
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		err = wrapPersistence("list", err)
		c.cfg.Metrics.StoreError("list")
		c.logger.Error().Str("channel", string(s.channel)).Err(err).Msg("presence refresh")
		s.mu.Lock()
		s.presenceErr = err
		s.mu.Unlock()
		c.resolve(s, err)
		c.report(err)
		c.publish()
		return
	}
	if seq <= s.appliedSeq {
		c.resolve(s, nil)
		return
	}
	s.appliedSeq = seq

	now := c.cfg.Now()
	timeout := c.staleAfter()
	present := make(map[domain.UserID]domain.Participant, len(rows))
	selfSeen := false
	for _, p := range rows {
		if p.UserID == c.cfg.Local {
			selfSeen = true
			continue
		}
		if at, ok := s.departed[p.UserID]; ok {
			if at.Equal(p.JoinedAt) {
				continue
			}
			delete(s.departed, p.UserID)
		}
		if p.Stale(now, timeout) {
			continue
		}
		present[p.UserID] = p
	}

	var closing, offering []domain.UserID
	s.mu.Lock()
	s.presenceErr = nil
	for id, r := range s.remotes {
		if _, ok := present[id]; ok {
			continue
		}
		// Remotes first seen through signaling get one snapshot taken after them to show up.
		if r.present || seq > r.sinceSeq {
			closing = append(closing, id)
			delete(s.remotes, id)
		}
	}
	for id, p := range present {
		r, ok := s.remotes[id]
		if !ok {
			r = &remote{state: webrtc.PeerConnectionStateNew}
			s.remotes[id] = r
		}
		r.participant = p
		r.present = true
		if link := s.peers.Link(id); link == nil || link.Closed() {
			offering = append(offering, id)
		}
	}
	s.mu.Unlock()

	for _, id := range closing {
		s.peers.CloseLink(id)
		c.logger.Info().Str("channel", string(s.channel)).Str("remote", string(id)).Msg("participant left")
	}
	for _, id := range offering {
		c.offer(s, id)
	}
	if !selfSeen && timeout >= 0 {
		c.rejoin(s)
	}
	c.resolve(s, nil)
	c.persistAggregate(s)
	c.publish()
}

func (c *Controller) resolve(s *session, err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// rejoin restores the local row after it was removed behind our back, e.g. by the janitor.
func (c *Controller) rejoin(s *session) {
	c.logger.Warn().Str("channel", string(s.channel)).Msg("own session row missing, rejoining")
	s.write("join", func(ctx context.Context) error {
		_, err := c.cfg.Store.Join(ctx, s.channel, c.cfg.Local)
		return err
	})
}

func (c *Controller) offer(s *session, id domain.UserID) {
	s.mu.Lock()
	if r, ok := s.remotes[id]; ok {
		r.offeredAt = c.cfg.Now()
	}
	s.mu.Unlock()
	if err := s.peers.Offer(s.ctx, id); err != nil && s.ctx.Err() == nil {
		c.logger.Warn().Str("remote", string(id)).Err(err).Msg("offer failed")
		s.mu.Lock()
		if r, ok := s.remotes[id]; ok {
			r.err = err
		}
		s.mu.Unlock()
		c.report(err)
	}
}

func (c *Controller) onRowChange(s *session, change domain.ParticipantChange) {
	if change.Participant.UserID == c.cfg.Local {
		return
	}
	c.requestResync(s, nil)
}

func (c *Controller) dispatch(s *session, env domain.Envelope) {
	var err error
	switch env.Type {
	case domain.SignalOffer:
		var desc webrtc.SessionDescription
		if err = env.Decode(&desc); err == nil {
			c.ensureRemote(s, env.SenderID)
			err = s.peers.HandleRemoteOffer(s.ctx, env.SenderID, desc)
		}
	case domain.SignalAnswer:
		var desc webrtc.SessionDescription
		if err = env.Decode(&desc); err == nil {
			err = s.peers.HandleRemoteAnswer(env.SenderID, desc)
		}
	case domain.SignalICECandidate:
		var cand webrtc.ICECandidateInit
		if err = env.Decode(&cand); err == nil {
			err = s.peers.HandleRemoteICECandidate(env.SenderID, cand)
		}
	case domain.SignalJoin:
		c.onRemoteJoin(s, env)
	case domain.SignalLeave:
		c.onRemoteLeave(s, env)
	default:
		return
	}
	switch {
	case err == nil, errors.Is(err, core.ErrNegotiationStale), s.ctx.Err() != nil:
	default:
		c.logger.Warn().Str("remote", string(env.SenderID)).Str("type", string(env.Type)).Err(err).Msg("signaling")
	}
}

// ensureRemote tracks a remote first heard of through signaling.
func (c *Controller) ensureRemote(s *session, id domain.UserID) {
	s.mu.Lock()
	_, ok := s.remotes[id]
	if !ok {
		s.remotes[id] = &remote{state: webrtc.PeerConnectionStateNew, sinceSeq: s.fetchSeq}
	}
	s.mu.Unlock()
	if !ok {
		c.requestResync(s, nil)
	}
}

func (c *Controller) onRemoteJoin(s *session, env domain.Envelope) {
	var p presence
	_ = env.Decode(&p)
	delete(s.departed, env.SenderID)

	s.mu.Lock()
	r, ok := s.remotes[env.SenderID]
	rejoined := ok && r.present && !p.JoinedAt.IsZero() && !r.participant.JoinedAt.Equal(p.JoinedAt)
	if rejoined {
		delete(s.remotes, env.SenderID)
	}
	s.mu.Unlock()

	if rejoined {
		s.peers.CloseLink(env.SenderID)
		c.logger.Debug().Str("remote", string(env.SenderID)).Msg("remote rejoined, link reset")
	}
	c.requestResync(s, nil)
}

func (c *Controller) onRemoteLeave(s *session, env domain.Envelope) {
	var p presence
	_ = env.Decode(&p)
	s.departed[env.SenderID] = p.JoinedAt

	s.mu.Lock()
	delete(s.remotes, env.SenderID)
	s.mu.Unlock()

	s.peers.CloseLink(env.SenderID)
	c.persistAggregate(s)
	c.publish()
}

func (c *Controller) onTrack(s *session, id domain.UserID, track core.RemoteTrack) {
	s.mu.Lock()
	r, ok := s.remotes[id]
	if !ok {
		r = &remote{state: webrtc.PeerConnectionStateNew, sinceSeq: s.fetchSeq}
		s.remotes[id] = r
	}
	track.SetPlayback(!s.deafened)
	r.track = track
	s.mu.Unlock()
	c.publish()
}

func (c *Controller) onLinkState(s *session, id domain.UserID, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	r, ok := s.remotes[id]
	if !ok {
		s.mu.Unlock()
		c.persistAggregate(s)
		return
	}
	r.state = state
	retry := false
	switch state {
	case webrtc.PeerConnectionStateConnected:
		r.attempts = 0
		r.err = nil
	case webrtc.PeerConnectionStateFailed:
		r.err = fmt.Errorf("%w: %s", core.ErrConnectionFailed, id)
		r.track = nil
		r.speaking = false
		if r.present && r.attempts < c.cfg.MaxReconnects {
			r.attempts++
			retry = true
		}
	}
	err := r.err
	s.mu.Unlock()

	if state == webrtc.PeerConnectionStateFailed {
		c.report(err)
		if retry {
			c.logger.Info().Str("remote", string(id)).Msg("recreating failed link")
			s.peers.CloseLink(id)
			c.offer(s, id)
		}
	}
	c.persistAggregate(s)
	c.publish()
}

func (c *Controller) onICEState(s *session, id domain.UserID, state webrtc.ICEConnectionState) {
	s.mu.Lock()
	if r, ok := s.remotes[id]; ok {
		r.ice = state
	}
	s.mu.Unlock()
	c.persistAggregate(s)
}

func (c *Controller) onHeartbeat(s *session) {
	s.write("heartbeat", func(ctx context.Context) error {
		return c.cfg.Store.Heartbeat(ctx, s.channel, c.cfg.Local)
	})

	// Offers that never got an answer are retried on a fresh link.
	now := c.cfg.Now()
	var stalled []domain.UserID
	s.mu.Lock()
	for id, r := range s.remotes {
		if !r.present || r.offeredAt.IsZero() || now.Sub(r.offeredAt) < c.cfg.HeartbeatInterval {
			continue
		}
		if link := s.peers.Link(id); link != nil && link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			stalled = append(stalled, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stalled {
		c.logger.Debug().Str("remote", string(id)).Msg("offer unanswered, retrying")
		s.peers.CloseLink(id)
		c.offer(s, id)
	}
	c.requestResync(s, nil)
}

func (c *Controller) onPoll(s *session) {
	speaking := s.media.Enabled() && c.cfg.Analyzer.Sample(s.media)
	changed := false
	s.mu.Lock()
	if s.speaking != speaking {
		s.speaking = speaking
		changed = true
	}
	for _, r := range s.remotes {
		got := false
		if r.track != nil {
			if level, ok := r.track.AudioLevel(); ok {
				got = audio.SpeakingLevel(level, c.cfg.SpeakingLevel)
			}
		}
		if r.speaking != got {
			r.speaking = got
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		c.publish()
	}
}

// persistAggregate writes the combined link state of the local user when it changes.
func (c *Controller) persistAggregate(s *session) {
	info := c.aggregate(s)
	if info == s.lastInfo {
		return
	}
	s.lastInfo = info
	s.write("update_connection", func(ctx context.Context) error {
		return c.cfg.Store.UpdateConnection(ctx, s.channel, c.cfg.Local, info)
	})
}

func (c *Controller) aggregate(s *session) domain.ConnectionInfo {
	links := s.peers.Links()
	if len(links) == 0 {
		return domain.ConnectionInfo{
			ConnectionState:    domain.ConnectionStateNew,
			ICEConnectionState: domain.ICEConnectionStateNew,
			SignalingState:     domain.SignalingStateStable,
		}
	}
	conn := map[webrtc.PeerConnectionState]bool{}
	sig := map[webrtc.SignalingState]bool{}
	ice := map[webrtc.ICEConnectionState]bool{}
	s.mu.Lock()
	for id, link := range links {
		conn[link.State()] = true
		sig[link.SignalingState()] = true
		if r, ok := s.remotes[id]; ok && r.ice != webrtc.ICEConnectionStateUnknown {
			ice[r.ice] = true
		}
	}
	s.mu.Unlock()

	info := domain.ConnectionInfo{}
	switch {
	case conn[webrtc.PeerConnectionStateConnected]:
		info.ConnectionState = domain.ConnectionStateConnected
	case conn[webrtc.PeerConnectionStateConnecting], conn[webrtc.PeerConnectionStateNew]:
		info.ConnectionState = domain.ConnectionStateConnecting
	case conn[webrtc.PeerConnectionStateDisconnected]:
		info.ConnectionState = domain.ConnectionStateDisconnected
	case conn[webrtc.PeerConnectionStateFailed]:
		info.ConnectionState = domain.ConnectionStateFailed
	default:
		info.ConnectionState = domain.ConnectionStateClosed
	}
	switch {
	case ice[webrtc.ICEConnectionStateConnected]:
		info.ICEConnectionState = domain.ICEConnectionStateConnected
	case ice[webrtc.ICEConnectionStateCompleted]:
		info.ICEConnectionState = domain.ICEConnectionStateCompleted
	case ice[webrtc.ICEConnectionStateChecking]:
		info.ICEConnectionState = domain.ICEConnectionStateChecking
	case ice[webrtc.ICEConnectionStateDisconnected]:
		info.ICEConnectionState = domain.ICEConnectionStateDisconnected
	case ice[webrtc.ICEConnectionStateFailed]:
		info.ICEConnectionState = domain.ICEConnectionStateFailed
	default:
		info.ICEConnectionState = domain.ICEConnectionStateNew
	}
	switch {
	case sig[webrtc.SignalingStateHaveLocalOffer]:
		info.SignalingState = domain.SignalingStateHaveLocalOffer
	case sig[webrtc.SignalingStateHaveRemoteOffer]:
		info.SignalingState = domain.SignalingStateHaveRemoteOffer
	default:
		info.SignalingState = domain.SignalingStateStable
	}
	return info
}

// staleAfter is the heartbeat age after which a participant counts as absent; -1 disables it.
func (c *Controller) staleAfter() time.Duration {
	if c.cfg.HeartbeatInterval < 0 {
		return -1
	}
	return c.cfg.HeartbeatInterval * time.Duration(c.cfg.HeartbeatMisses)
}
