// Package audio classifies captured audio as speech or silence.
package audio

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/dkeye/voicelink/internal/core"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultFFTSize   = 2048
	DefaultThreshold = 30

	// Byte scaling range of a frequency bin, in dB.
	minDecibels = -100.0
	maxDecibels = -30.0
)

var ErrNoSamples = errors.New("audio: no samples")

// Analyzer computes a windowed FFT snapshot and averages the per-bin
// byte magnitudes (0-255). Averages above the threshold are speech.
// It holds no state between samples.
type Analyzer struct {
	size      int
	threshold float64
	fft       *fourier.FFT
}

// NewAnalyzer returns an analyzer; non-positive arguments fall back to defaults.
// size is rounded up to a power of two.
func NewAnalyzer(size int, threshold float64) *Analyzer {
	if size <= 0 {
		size = DefaultFFTSize
	}
	size = nextPow2(size)
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Analyzer{size: size, threshold: threshold, fft: fourier.NewFFT(size)}
}

func (a *Analyzer) Size() int { return a.size }

// Sample reports whether stream is currently producing sound above the threshold.
// Any read failure yields false.
func (a *Analyzer) Sample(stream core.AudioStream) bool {
	speaking, err := a.Classify(stream)
	return err == nil && speaking
}

// Classify is Sample with the failure cause.
func (a *Analyzer) Classify(stream core.AudioStream) (bool, error) {
	if stream == nil {
		return false, ErrNoSamples
	}
	buf := make([]float32, a.size)
	n, err := stream.ReadPCM(buf)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNoSamples
	}
	seq := make([]float64, a.size)
	for i := 0; i < n; i++ {
		seq[i] = float64(buf[i])
	}
	return a.Average(seq) > a.threshold, nil
}

// Average returns the mean byte magnitude over the first size/2 bins.
func (a *Analyzer) Average(seq []float64) float64 {
	bins := a.FrequencyData(seq)
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	return sum / float64(len(bins))
}

// FrequencyData maps seq to size/2 bytes, each bin scaled linearly from
// [-100 dB, -30 dB] onto [0, 255]. seq is zero padded or truncated to size.
func (a *Analyzer) FrequencyData(seq []float64) []uint8 {
	frame := make([]float64, a.size)
	copy(frame, seq)
	window.Blackman(frame)

	coeffs := a.fft.Coefficients(nil, frame)
	out := make([]uint8, a.size/2)
	n := float64(a.size)
	for k := range out {
		mag := cmplx.Abs(coeffs[k]) / n
		out[k] = toByte(20 * math.Log10(mag))
	}
	return out
}

func toByte(db float64) uint8 {
	if math.IsInf(db, -1) || math.IsNaN(db) {
		return 0
	}
	v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
