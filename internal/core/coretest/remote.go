package coretest

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is a fake core.RemoteTrack.
type RemoteTrack struct {
	id, streamID string

	mu       sync.Mutex
	playback bool
	level    uint8
	hasLevel bool
}

func NewRemoteTrack(id, streamID string) *RemoteTrack {
	return &RemoteTrack{id: id, streamID: streamID, playback: true}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.streamID }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *RemoteTrack) SetPlayback(enabled bool) {
	t.mu.Lock()
	t.playback = enabled
	t.mu.Unlock()
}

func (t *RemoteTrack) Playback() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playback
}

// SetAudioLevel sets the level reported by AudioLevel.
func (t *RemoteTrack) SetAudioLevel(level uint8) {
	t.mu.Lock()
	t.level, t.hasLevel = level, true
	t.mu.Unlock()
}

func (t *RemoteTrack) AudioLevel() (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level, t.hasLevel
}
