package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// levelTTL is how long a received audio level stays valid without new packets.
const levelTTL = 500 * time.Millisecond

// RemoteAudio is an inbound track. It tracks the sender's RFC 6464 audio level
// and forwards packets to the sink while playback is enabled.
type RemoteAudio struct {
	track   *webrtc.TrackRemote
	levelID uint8

	playback atomic.Bool
	level    atomic.Uint32
	levelAt  atomic.Int64
	hasLevel atomic.Bool

	mu   sync.Mutex
	sink func(*rtp.Packet)
}

func NewRemoteAudio(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *RemoteAudio {
	ra := &RemoteAudio{track: track}
	ra.playback.Store(true)
	if receiver != nil {
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == AudioLevelURI {
				ra.levelID = uint8(ext.ID)
			}
		}
	}
	return ra
}

func (r *RemoteAudio) ID() string                { return r.track.ID() }
func (r *RemoteAudio) StreamID() string          { return r.track.StreamID() }
func (r *RemoteAudio) Kind() webrtc.RTPCodecType { return r.track.Kind() }

func (r *RemoteAudio) SetPlayback(enabled bool) { r.playback.Store(enabled) }
func (r *RemoteAudio) Playback() bool           { return r.playback.Load() }

// OnPacket sets the playout sink. It receives packets only while playback is enabled.
func (r *RemoteAudio) OnPacket(fn func(*rtp.Packet)) {
	r.mu.Lock()
	r.sink = fn
	r.mu.Unlock()
}

// AudioLevel returns the last level if the sender provides the extension.
// A level older than levelTTL reads as silence.
func (r *RemoteAudio) AudioLevel() (uint8, bool) {
	if !r.hasLevel.Load() {
		return 0, false
	}
	if time.Since(time.Unix(0, r.levelAt.Load())) > levelTTL {
		return audio.SilentLevel, true
	}
	return uint8(r.level.Load()), true
}

// Run reads RTP until ctx is done or the track ends.
func (r *RemoteAudio) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return err
		}
		r.handle(pkt)
	}
}

func (r *RemoteAudio) handle(pkt *rtp.Packet) {
	if r.levelID != 0 {
		if raw := pkt.GetExtension(r.levelID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				r.level.Store(uint32(ext.Level))
				r.levelAt.Store(time.Now().UnixNano())
				r.hasLevel.Store(true)
			}
		}
	}
	if !r.playback.Load() {
		return
	}
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(pkt)
	}
}
