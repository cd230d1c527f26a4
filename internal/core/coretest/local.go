package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// LocalMedia is a fake core.LocalMedia with one opus track and a fixed PCM buffer.
type LocalMedia struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	pcm     []float32
	readErr error
}

func NewLocalMedia() *LocalMedia {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), "stream-"+uuid.NewString(),
	)
	if err != nil {
		panic(err)
	}
	return &LocalMedia{track: track, enabled: true}
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{m.track} }

func (m *LocalMedia) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *LocalMedia) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *LocalMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *LocalMedia) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// SetPCM sets what ReadPCM returns; err makes ReadPCM fail.
func (m *LocalMedia) SetPCM(pcm []float32, err error) {
	m.mu.Lock()
	m.pcm, m.readErr = pcm, err
	m.mu.Unlock()
}

func (m *LocalMedia) ReadPCM(dst []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return copy(dst, m.pcm), nil
}

// Provider is a fake core.MediaProvider.
type Provider struct {
	mu       sync.Mutex
	Err      error
	acquired []*LocalMedia
}

func (p *Provider) Acquire(ctx context.Context) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	m := NewLocalMedia()
	p.acquired = append(p.acquired, m)
	return m, nil
}

// Last returns the most recently acquired media, or nil.
func (p *Provider) Last() *LocalMedia {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acquired) == 0 {
		return nil
	}
	return p.acquired[len(p.acquired)-1]
}
