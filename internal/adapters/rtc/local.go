package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a 20ms Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Frame is one captured audio frame: mono PCM for analysis and its Opus encoding.
type Frame struct {
	PCM      []float32
	Opus     []byte
	Duration time.Duration
}

// Capture is a source of encoded audio frames, such as a microphone.
type Capture interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// SilenceCapture produces silent frames in real time.
type SilenceCapture struct {
	ticker *time.Ticker
	once   sync.Once
	done   chan struct{}
}

func NewSilenceCapture() *SilenceCapture {
	return &SilenceCapture{ticker: time.NewTicker(frameDuration), done: make(chan struct{})}
}

func (s *SilenceCapture) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, errCaptureClosed
	case <-s.ticker.C:
		return Frame{PCM: make([]float32, opusClockRate/50), Opus: opusSilence, Duration: frameDuration}, nil
	}
}

func (s *SilenceCapture) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

var errCaptureClosed = errors.New("capture closed")

// LocalAudio is core.LocalMedia fed by a Capture. While disabled it sends
// Opus silence and keeps the most recent PCM available for level analysis.
type LocalAudio struct {
	track   *LevelTrack
	capture Capture
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	enabled bool
	last    []float32
	stopped bool
}

var _ core.LocalMedia = (*LocalAudio)(nil)

func NewLocalAudio(capture Capture) *LocalAudio {
	ctx, cancel := context.WithCancel(context.Background())
	a := &LocalAudio{
		track:   NewLevelTrack("audio-"+uuid.NewString(), "voice-"+uuid.NewString()),
		capture: capture,
		cancel:  cancel,
		done:    make(chan struct{}),
		enabled: true,
	}
	go a.pump(ctx)
	return a
}

func (a *LocalAudio) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{a.track} }

func (a *LocalAudio) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

func (a *LocalAudio) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// ReadPCM copies the most recent captured samples into dst.
func (a *LocalAudio) ReadPCM(dst []float32) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return 0, errCaptureClosed
	}
	return copy(dst, a.last), nil
}

func (a *LocalAudio) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	a.cancel()
	_ = a.capture.Close()
	<-a.done
}

func (a *LocalAudio) pump(ctx context.Context) {
	defer close(a.done)
	for {
		frame, err := a.capture.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Str("module", "rtc").Err(err).Msg("capture stopped")
			}
			return
		}
		a.mu.Lock()
		a.last = appendWindow(a.last, frame.PCM, audio.DefaultFFTSize)
		enabled := a.enabled
		a.mu.Unlock()

		payload, level := opusSilence, audio.SilentLevel
		if enabled {
			payload, level = frame.Opus, LevelFromPCM(frame.PCM)
		}
		if err := a.track.WriteFrame(payload, frame.Duration, level); err != nil {
			log.Debug().Str("module", "rtc").Err(err).Msg("write frame")
		}
	}
}

// appendWindow appends pcm to buf keeping at most n trailing samples.
func appendWindow(buf, pcm []float32, n int) []float32 {
	buf = append(buf, pcm...)
	if len(buf) > n {
		buf = append(buf[:0], buf[len(buf)-n:]...)
	}
	return buf
}

// CaptureProvider is core.MediaProvider opening a Capture per acquisition.
type CaptureProvider struct {
	Open func(ctx context.Context) (Capture, error)
}

func (p CaptureProvider) Acquire(ctx context.Context) (core.LocalMedia, error) {
	capture, err := p.Open(ctx)
	if err != nil {
		return nil, err
	}
	return NewLocalAudio(capture), nil
}

// SilenceProvider acquires a SilenceCapture; used by the headless client.
func SilenceProvider() CaptureProvider {
	return CaptureProvider{Open: func(context.Context) (Capture, error) {
		return NewSilenceCapture(), nil
	}}
}
