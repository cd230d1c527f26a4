package rtc

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const opusClockRate = 48000

// LevelTrack is an Opus track that stamps every packet with the RFC 6464 audio
// level when the extension was negotiated for the binding.
type LevelTrack struct {
	id, streamID string

	mu       sync.RWMutex
	bindings []*levelBinding
}

type levelBinding struct {
	id          string
	ssrc        webrtc.SSRC
	payloadType webrtc.PayloadType
	levelID     uint8
	writer      webrtc.TrackLocalWriter
	sequence    uint16
	timestamp   uint32
}

var _ webrtc.TrackLocal = (*LevelTrack)(nil)

func NewLevelTrack(id, streamID string) *LevelTrack {
	return &LevelTrack{id: id, streamID: streamID}
}

func (t *LevelTrack) ID() string                { return t.id }
func (t *LevelTrack) RID() string               { return "" }
func (t *LevelTrack) StreamID() string          { return t.streamID }
func (t *LevelTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *LevelTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var codec *webrtc.RTPCodecParameters
	for _, c := range ctx.CodecParameters() {
		if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			codec = &c
			break
		}
	}
	if codec == nil {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}
	b := &levelBinding{
		id:          ctx.ID(),
		ssrc:        ctx.SSRC(),
		payloadType: codec.PayloadType,
		writer:      ctx.WriteStream(),
	}
	for _, ext := range ctx.HeaderExtensions() {
		if ext.URI == AudioLevelURI {
			b.levelID = uint8(ext.ID)
		}
	}
	t.mu.Lock()
	t.bindings = append(t.bindings, b)
	t.mu.Unlock()
	return *codec, nil
}

func (t *LevelTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.bindings {
		if b.id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return webrtc.ErrUnbindFailed
}

// WriteFrame sends one Opus frame to every binding.
func (t *LevelTrack) WriteFrame(payload []byte, duration time.Duration, level uint8) error {
	samples := uint32(duration.Seconds() * opusClockRate)
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: level < 127}.Marshal()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var writeErr error
	for _, b := range t.bindings {
		header := rtp.Header{
			Version:        2,
			PayloadType:    uint8(b.payloadType),
			SequenceNumber: b.sequence,
			Timestamp:      b.timestamp,
			SSRC:           uint32(b.ssrc),
		}
		b.sequence++
		b.timestamp += samples
		if b.levelID != 0 {
			if err := header.SetExtension(b.levelID, ext); err != nil {
				return err
			}
		}
		if _, err := b.writer.WriteRTP(&header, payload); err != nil {
			writeErr = err
		}
	}
	return writeErr
}
