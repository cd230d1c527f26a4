package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one point-to-point peer connection.
// Callbacks are invoked asynchronously and may run on any goroutine.
type MediaConnection interface {
	// AddTrack attaches a local track. It must be called before the first offer or answer.
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))

	// Close should stop all underlying media resources. Safe to call more than once.
	Close() error
}

// MediaConnectionFactory allocates a connection towards one remote participant.
type MediaConnectionFactory interface {
	NewConnection(remote domain.UserID) (MediaConnection, error)
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	// SetPlayback enables or disables local playout; used for deafen.
	SetPlayback(enabled bool)
	Playback() bool
	// AudioLevel returns the last RFC 6464 level (0 loudest, 127 silence) if the sender provides one.
	AudioLevel() (uint8, bool)
}

// AudioStream yields the most recent captured PCM samples, mono, in [-1, 1].
type AudioStream interface {
	ReadPCM(dst []float32) (int, error)
}

// LocalMedia is the captured local stream shared read-only by all links.
type LocalMedia interface {
	AudioStream
	Tracks() []webrtc.TrackLocal
	// SetEnabled toggles the outgoing audio immediately; disabled tracks send silence.
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the capture device. Safe to call more than once.
	Stop()
}

// MediaProvider acquires the local capture. It may block awaiting user permission.
type MediaProvider interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
