package visualizer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	active bool
	data   []byte
	reads  int
}

func (s *fakeSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSource) ByteFrequencyData(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return copy(dst, s.data)
}

func (s *fakeSource) setActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

func (s *fakeSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestFrameLayout(t *testing.T) {
	frame := Frame([]byte{0, 200, 255})

	assert.Equal(t, "spectrum", frame.Type)
	assert.Equal(t, BarColor, frame.Color)
	assert.Equal(t, BarRadius, frame.Radius)
	require.Len(t, frame.Bars, 3)

	assert.Equal(t, 0.0, frame.Bars[0].Height)
	assert.Equal(t, float64(CanvasHeight), frame.Bars[0].Y)

	assert.Equal(t, 12.0, frame.Bars[1].X)
	assert.Equal(t, 100.0, frame.Bars[1].Height)
	assert.Equal(t, 0.0, frame.Bars[1].Y)
	assert.Equal(t, float64(BarWidth), frame.Bars[1].Width)

	assert.Equal(t, 24.0, frame.Bars[2].X)
	assert.Equal(t, 127.5, frame.Bars[2].Height)
}

func TestVisualizerPublishesFrames(t *testing.T) {
	v := New(time.Millisecond)
	frames, unsubscribe := v.Subscribe()
	defer unsubscribe()

	src := &fakeSource{active: true, data: []byte{10, 20}}
	v.Attach(src)
	defer v.Detach()

	select {
	case frame := <-frames:
		require.Len(t, frame.Bars, 2)
		assert.Equal(t, 5.0, frame.Bars[0].Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame published")
	}
	assert.True(t, v.Running())
}

func TestVisualizerStopsWhenSourceInactive(t *testing.T) {
	v := New(time.Millisecond)
	src := &fakeSource{active: true, data: []byte{1}}
	v.Attach(src)

	require.Eventually(t, func() bool { return src.Reads() > 0 }, 5*time.Second, time.Millisecond)
	src.setActive(false)
	require.Eventually(t, func() bool { return !v.Running() }, 5*time.Second, time.Millisecond)

	reads := src.Reads()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, reads, src.Reads(), "no frame after the source went away")
	v.Detach()
}

func TestVisualizerNilSource(t *testing.T) {
	v := New(0)
	v.Attach(nil)
	assert.False(t, v.Running())
	v.Detach()
}

func TestVisualizerAttachReplacesSource(t *testing.T) {
	v := New(time.Millisecond)
	first := &fakeSource{active: true}
	second := &fakeSource{active: true}

	v.Attach(first)
	v.Attach(second)
	reads := first.Reads()

	require.Eventually(t, func() bool { return second.Reads() > 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, reads, first.Reads())
	v.Detach()
	assert.False(t, v.Running())
}

func TestSlowSubscriberGetsLatestFrame(t *testing.T) {
	v := New(time.Hour)
	frames, unsubscribe := v.Subscribe()

	v.publish(Frame([]byte{2}))
	v.publish(Frame([]byte{4}))

	frame := <-frames
	assert.Equal(t, 2.0, frame.Bars[0].Height)

	unsubscribe()
	unsubscribe()
	v.publish(Frame([]byte{6}))
	select {
	case <-frames:
		t.Fatal("frame delivered after unsubscribe")
	default:
	}
}
