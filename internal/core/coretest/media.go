// Package coretest provides in-memory fakes of the media layer for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidState = errors.New("coretest: invalid signaling state")

// Network pairs fake connections by (owner, remote) and marks both ends connected
// once an answer has been applied on a side whose peer is stable.
type Network struct {
	mu    sync.Mutex
	conns map[pairKey]*Conn
	// Candidates is the number of local candidates each side emits after setting a local description.
	Candidates int
}

type pairKey struct {
	owner, remote domain.UserID
}

func NewNetwork() *Network {
	return &Network{conns: make(map[pairKey]*Conn), Candidates: 2}
}

// Factory returns a connection factory for owner.
func (n *Network) Factory(owner domain.UserID) *Factory {
	return &Factory{net: n, owner: owner}
}

// Conn returns the newest connection owner holds towards remote.
func (n *Network) Conn(owner, remote domain.UserID) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[pairKey{owner, remote}]
}

func (n *Network) register(c *Conn) {
	n.mu.Lock()
	n.conns[pairKey{c.Owner, c.Remote}] = c
	n.mu.Unlock()
}

func (n *Network) peerOf(c *Conn) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[pairKey{c.Remote, c.Owner}]
}

// answered is called after c applied a remote answer.
func (n *Network) answered(c *Conn) {
	peer := n.peerOf(c)
	if peer == nil || peer.Closed() {
		return
	}
	if peer.SignalingState() != webrtc.SignalingStateStable || !peer.RemoteSet() {
		return
	}
	for _, side := range []*Conn{c, peer} {
		side.SetConnectionState(webrtc.PeerConnectionStateConnecting)
	}
	for _, side := range []*Conn{c, peer} {
		side.SetICEConnectionState(webrtc.ICEConnectionStateConnected)
		side.SetConnectionState(webrtc.PeerConnectionStateConnected)
	}
	c.deliverTracks(peer)
	peer.deliverTracks(c)
}

// Factory implements core.MediaConnectionFactory.
type Factory struct {
	net   *Network
	owner domain.UserID

	mu      sync.Mutex
	created []*Conn
	// Err, when set, is returned by NewConnection.
	Err error
}

func (f *Factory) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{
		Owner:     f.owner,
		Remote:    remote,
		net:       f.net,
		signaling: webrtc.SignalingStateStable,
		state:     webrtc.PeerConnectionStateNew,
	}
	f.created = append(f.created, c)
	if f.net != nil {
		f.net.register(c)
	}
	return c, nil
}

// Created returns every connection allocated by the factory, oldest first.
func (f *Factory) Created() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.created...)
}

// Conn is a fake core.MediaConnection following the JSEP signaling state rules.
type Conn struct {
	Owner, Remote domain.UserID
	net           *Network

	mu        sync.Mutex
	signaling webrtc.SignalingState
	state     webrtc.PeerConnectionState
	remoteSet bool
	closed    bool
	seq       int
	tracks    []webrtc.TrackLocal
	applied   []webrtc.ICECandidateInit
	remotes   []webrtc.SessionDescription

	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
	onICEState func(webrtc.ICEConnectionState)
	wg         sync.WaitGroup
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *Conn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, core.ErrClosed
	}
	if c.signaling != webrtc.SignalingStateStable {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer in %s", ErrInvalidState, c.signaling)
	}
	c.seq++
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s->%s #%d", c.Owner, c.Remote, c.seq)}
	c.mu.Unlock()
	c.gather()
	return desc, nil
}

func (c *Conn) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, core.ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer in %s", ErrInvalidState, c.signaling)
	}
	c.seq++
	c.signaling = webrtc.SignalingStateStable
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s->%s #%d", c.Owner, c.Remote, c.seq)}
	c.mu.Unlock()
	c.gather()
	return desc, nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable {
			c.mu.Unlock()
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: unsupported type %s", ErrInvalidState, desc.Type)
	}
	c.remoteSet = true
	c.remotes = append(c.remotes, desc)
	c.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer && c.net != nil {
		c.net.answered(c)
	}
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: rollback in %s", ErrInvalidState, c.signaling)
	}
	c.signaling = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	if !c.remoteSet {
		return fmt.Errorf("%w: candidate before remote description", ErrInvalidState)
	}
	c.applied = append(c.applied, candidate)
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.signaling = webrtc.SignalingStateClosed
	c.state = webrtc.PeerConnectionStateClosed
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		c.async(func() { fn(webrtc.PeerConnectionStateClosed) })
	}
	return nil
}

// SetConnectionState forces a connection state and fires the callback.
func (c *Conn) SetConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		c.async(func() { fn(s) })
	}
}

// SetICEConnectionState fires the ICE state callback.
func (c *Conn) SetICEConnectionState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICEState
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		c.async(func() { fn(s) })
	}
}

// EmitCandidate fires the local candidate callback as if ICE gathered it.
func (c *Conn) EmitCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		c.async(func() { fn(candidate) })
	}
}

// Applied returns the remote candidates applied so far, in order.
func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) RemoteSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Wait blocks until every callback fired so far has returned.
func (c *Conn) Wait() { c.wg.Wait() }

func (c *Conn) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Conn) gather() {
	if c.net == nil {
		return
	}
	for i := 0; i < c.net.Candidates; i++ {
		c.EmitCandidate(webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", i, len(c.Owner), i),
		})
	}
}

func (c *Conn) deliverTracks(from *Conn) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn == nil {
		return
	}
	for _, t := range from.Tracks() {
		rt := NewRemoteTrack(t.ID(), t.StreamID())
		c.async(func() { fn(rt) })
	}
}
