// Package visualizer turns live frequency data into bar-graph frames for the
// web interface.
package visualizer

import (
	"context"
	"sync"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// Frame geometry and style.
const (
	CanvasWidth  = 300
	CanvasHeight = 100
	BarWidth     = 10
	BarSpacing   = 2
	BarRadius    = 2
	BarColor     = "#18A04F"
)

// maxBins bounds the bins read per frame.
const maxBins = 256

// DefaultFrameInterval paces frames at roughly 30 per second.
const DefaultFrameInterval = time.Second / 30

// Source provides frequency-domain byte data of a live audio stream.
type Source interface {
	// Active reports whether the stream is still live.
	Active() bool
	// ByteFrequencyData fills dst and returns the number of bins written.
	ByteFrequencyData(dst []byte) int
}

// Visualizer renders frames from at most one attached Source and fans
// them out to subscribers. Slow subscribers only see the latest frame.
type Visualizer struct {
	interval time.Duration
	attachMu sync.Mutex // serializes Attach and Detach

	mu     sync.Mutex
	subs   map[int]chan types.WSSpectrumResponse
	nextID int
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Visualizer that renders a frame every interval. A zero
// interval uses DefaultFrameInterval.
func New(interval time.Duration) *Visualizer {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Visualizer{
		interval: interval,
		subs:     make(map[int]chan types.WSSpectrumResponse),
	}
}

// Attach starts rendering src, replacing any previously attached source.
// The frame loop ends by itself once src is no longer active.
// A nil src is nothing to draw and only detaches.
func (v *Visualizer) Attach(src Source) {
	v.attachMu.Lock()
	defer v.attachMu.Unlock()

	v.detach()
	if src == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	v.mu.Lock()
	v.cancel = cancel
	v.done = done
	v.mu.Unlock()

	go v.run(ctx, src, done)
}

// Detach stops the frame loop and waits for it to exit.
func (v *Visualizer) Detach() {
	v.attachMu.Lock()
	defer v.attachMu.Unlock()
	v.detach()
}

func (v *Visualizer) detach() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether a frame loop is active.
func (v *Visualizer) Running() bool {
	v.mu.Lock()
	done := v.done
	v.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Subscribe returns a channel of frames and a function that ends the
// subscription.
func (v *Visualizer) Subscribe() (<-chan types.WSSpectrumResponse, func()) {
	ch := make(chan types.WSSpectrumResponse, 1)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

func (v *Visualizer) run(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	buf := make([]byte, maxBins)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !src.Active() {
			return
		}
		n := src.ByteFrequencyData(buf)
		v.publish(Frame(buf[:n]))
	}
}

// publish replaces any undelivered frame of each subscriber.
func (v *Visualizer) publish(frame types.WSSpectrumResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Frame maps each frequency bin to a bar anchored at the bottom of the
// canvas with a height of half its value.
func Frame(data []byte) types.WSSpectrumResponse {
	bars := make([]types.Bar, len(data))
	for i, value := range data {
		h := float64(value) / 2
		bars[i] = types.Bar{
			X:      float64(i * (BarWidth + BarSpacing)),
			Y:      CanvasHeight - h,
			Width:  BarWidth,
			Height: h,
		}
	}
	return types.WSSpectrumResponse{
		Type:   "spectrum",
		Width:  CanvasWidth,
		Height: CanvasHeight,
		Radius: BarRadius,
		Color:  BarColor,
		Bars:   bars,
	}
}
