package rtc

import (
	"math"

	"github.com/dkeye/voicelink/internal/audio"
)

// LevelFromPCM returns the RFC 6464 level (-dBov, 0..127) of a PCM frame in [-1, 1].
func LevelFromPCM(pcm []float32) uint8 {
	if len(pcm) == 0 {
		return audio.SilentLevel
	}
	var sum float64
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms == 0 {
		return audio.SilentLevel
	}
	db := 20 * math.Log10(rms)
	switch {
	case db >= 0:
		return 0
	case db <= -127:
		return audio.SilentLevel
	}
	return uint8(math.Round(-db))
}
