// Package audio provides microphone capture, level metering and frequency analysis
// of s16le stereo PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser parameters follow the Web Audio AnalyserNode defaults with fftSize 256.
const (
	FFTSize               = 256
	BinCount              = FFTSize / 2
	MinDecibels           = -100.0
	MaxDecibels           = -30.0
	SmoothingTimeConstant = 0.8
)

const (
	// MinDB is the floor of reported level measurements.
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below max to catch near-clips.
	ClipThreshold int16 = 32760
	// levelWindow is the number of frames per level measurement, 100ms at 48kHz.
	levelWindow = 4800
)

// ErrAnalyserClosed is returned when writing to a closed Analyser.
var ErrAnalyserClosed = errors.New("analyser closed")

// Analyser taps a live PCM stream and reports byte frequency data and levels.
// It is safe for concurrent use.
type Analyser struct {
	mu       sync.Mutex
	fft      *fourier.FFT
	seq      [FFTSize]float64
	coeff    []complex128
	ring     [FFTSize]float64
	pos      int
	smoothed [BinCount]float64
	meter    meter
	levels   Levels
	closed   bool
}

var blackman = func() (w [FFTSize]float64) {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for n := range w {
		x := 2 * math.Pi * float64(n) / FFTSize
		w[n] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}()

// NewAnalyser returns an open Analyser with silent history.
func NewAnalyser() *Analyser {
	return &Analyser{fft: fourier.NewFFT(FFTSize), levels: silentLevels()}
}

// Write feeds s16le stereo PCM. Channels are mixed to mono for the spectrum.
func (a *Analyser) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrAnalyserClosed
	}

	for i := 0; i+3 < len(p); i += 4 {
		l := int16(binary.LittleEndian.Uint16(p[i:]))
		r := int16(binary.LittleEndian.Uint16(p[i+2:]))

		a.ring[a.pos] = (float64(l) + float64(r)) / 2 / MaxSampleValue
		a.pos = (a.pos + 1) % FFTSize

		a.meter.add(l, r)
		if a.meter.frames >= levelWindow {
			a.levels = a.meter.levels()
			a.meter = meter{}
		}
	}
	return len(p), nil
}

// ByteFrequencyData fills dst with up to BinCount smoothed magnitudes scaled
// from MinDecibels..MaxDecibels onto 0..255 and returns the number of bins written.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := range FFTSize {
		a.seq[n] = a.ring[(a.pos+n)%FFTSize] * blackman[n]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.seq[:])

	count := min(len(dst), BinCount)
	for k := range BinCount {
		mag := cmplx.Abs(a.coeff[k]) / FFTSize
		a.smoothed[k] = SmoothingTimeConstant*a.smoothed[k] + (1-SmoothingTimeConstant)*mag
		if k < count {
			dst[k] = toByte(a.smoothed[k])
		}
	}
	return count
}

func toByte(mag float64) byte {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := math.Floor(255 / (MaxDecibels - MinDecibels) * (db - MinDecibels))
	return byte(max(0, min(255, v)))
}

// Levels returns the last completed level measurement.
func (a *Analyser) Levels() Levels {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return silentLevels()
	}
	return a.levels
}

// Active reports whether the analyser is still fed by a live stream.
func (a *Analyser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

// Close detaches the analyser from the stream. It is idempotent.
func (a *Analyser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// meter accumulates per-channel sums for one level window.
type meter struct {
	sumL, sumR   float64
	peakL, peakR float64
	clipL, clipR int
	frames       int
}

func (m *meter) add(l, r int16) {
	fl, fr := float64(l), float64(r)
	m.sumL += fl * fl
	m.sumR += fr * fr
	m.peakL = max(m.peakL, math.Abs(fl))
	m.peakR = max(m.peakR, math.Abs(fr))
	if l >= ClipThreshold || l <= -ClipThreshold {
		m.clipL++
	}
	if r >= ClipThreshold || r <= -ClipThreshold {
		m.clipR++
	}
	m.frames++
}

func (m *meter) levels() Levels {
	if m.frames == 0 {
		return silentLevels()
	}
	n := float64(m.frames)
	return Levels{
		Left:      dbfs(math.Sqrt(m.sumL / n)),
		Right:     dbfs(math.Sqrt(m.sumR / n)),
		PeakLeft:  dbfs(m.peakL),
		PeakRight: dbfs(m.peakR),
		ClipLeft:  m.clipL,
		ClipRight: m.clipR,
	}
}

func dbfs(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return max(20*math.Log10(v/MaxSampleValue), MinDB)
}

func silentLevels() Levels {
	return Levels{Left: MinDB, Right: MinDB, PeakLeft: MinDB, PeakRight: MinDB}
}
