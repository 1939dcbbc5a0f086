package recording

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// stubUploader fails the first failures calls with err.
type stubUploader struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	numbers  []int
	started  chan int
	release  chan struct{}
}

func (s *stubUploader) UploadChunk(ctx context.Context, ch backend.Chunk) error {
	if s.started != nil {
		s.started <- ch.Number
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.numbers = append(s.numbers, ch.Number)
	return nil
}

func newTestQueue(t *testing.T, up ChunkUploader, opts UploadOptions) (*UploadQueue, string) {
	t.Helper()
	spool := t.TempDir()
	opts.SpoolDir = spool
	opts.InitialBackoff = cmp.Or(opts.InitialBackoff, time.Millisecond)
	opts.MaxBackoff = cmp.Or(opts.MaxBackoff, 2*time.Millisecond)
	q := newUploadQueue("rec", opts, up, newChunkEncoder(types.CodecWAV, ""), nil, NewMetrics(prometheus.NewRegistry()), nil)
	return q, spool
}

func pcm(d time.Duration) []byte { return make([]byte, types.PCMBytes(d)) }

func TestUploadQueueRetriesThenSucceeds(t *testing.T) {
	up := &stubUploader{failures: 2, err: errors.New("connection reset")}
	q, spool := newTestQueue(t, up, UploadOptions{Workers: 1})

	require.NoError(t, q.Enqueue(chunkJob{number: 0, pcm: pcm(20 * time.Millisecond)}))
	q.Close()
	q.Wait()

	assert.Equal(t, 3, up.calls)
	assert.Equal(t, []int{0}, up.numbers)
	assert.Equal(t, 1, q.Uploaded())
	assert.Zero(t, q.Failed())
	assert.NoDirExists(t, filepath.Join(spool, "rec"), "spool is cleaned after upload")
}

func TestUploadQueueAbandonsAndKeepsSpoolFile(t *testing.T) {
	up := &stubUploader{failures: 10, err: errors.New("connection refused")}
	q, spool := newTestQueue(t, up, UploadOptions{Workers: 1, MaxAttempts: 3})

	require.NoError(t, q.Enqueue(chunkJob{number: 4, pcm: pcm(20 * time.Millisecond)}))
	q.Close()
	q.Wait()

	assert.Equal(t, 3, up.calls)
	assert.Equal(t, 1, q.Failed())
	failures := q.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Number)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.FileExists(t, filepath.Join(spool, "rec", "chunk_00004.wav"))
}

func TestUploadQueueClientErrorIsFinal(t *testing.T) {
	up := &stubUploader{failures: 10, err: &backend.StatusError{Method: "POST", Path: "/upload_chunk", StatusCode: http.StatusBadRequest}}
	q, _ := newTestQueue(t, up, UploadOptions{Workers: 1})

	require.NoError(t, q.Enqueue(chunkJob{number: 0, pcm: pcm(20 * time.Millisecond)}))
	q.Close()
	q.Wait()

	assert.Equal(t, 1, up.calls)
	assert.Equal(t, 1, q.Failed())
}

func TestUploadQueueDropsWhenFull(t *testing.T) {
	up := &stubUploader{started: make(chan int, 4), release: make(chan struct{})}
	q, _ := newTestQueue(t, up, UploadOptions{Workers: 1, QueueSize: 1})

	require.NoError(t, q.Enqueue(chunkJob{number: 0, pcm: pcm(10 * time.Millisecond)}))
	assert.Equal(t, 0, <-up.started)

	require.NoError(t, q.Enqueue(chunkJob{number: 1, pcm: pcm(10 * time.Millisecond)}))
	err := q.Enqueue(chunkJob{number: 2, pcm: pcm(10 * time.Millisecond)})

	var ce *ChunkUploadError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, ce.Number)

	close(up.release)
	q.Close()
	q.Wait()
	assert.Equal(t, []int{0, 1}, up.numbers)
	assert.Equal(t, 2, q.Uploaded())
	assert.Equal(t, 1, q.Failed())
}

func TestUploadQueueRejectsAfterClose(t *testing.T) {
	q, _ := newTestQueue(t, &stubUploader{}, UploadOptions{})
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(chunkJob{number: 0}), ErrQueueClosed)
	q.Wait()
}

func TestUploadQueueAbortStopsRetries(t *testing.T) {
	up := &stubUploader{failures: 100, err: errors.New("down")}
	q, _ := newTestQueue(t, up, UploadOptions{Workers: 1, MaxAttempts: 100, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	require.NoError(t, q.Enqueue(chunkJob{number: 0, pcm: pcm(10 * time.Millisecond)}))
	q.Close()
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.calls == 1
	}, 5*time.Second, 5*time.Millisecond)

	q.Abort(errors.New("shutdown"))
	q.Wait()
	assert.Equal(t, 1, q.Failed())
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("dial tcp: refused")))
	assert.True(t, retryable(&backend.StatusError{StatusCode: 503}))
	assert.True(t, retryable(&backend.StatusError{StatusCode: 429}))
	assert.False(t, retryable(&backend.StatusError{StatusCode: 404}))
}

func TestEncodeWAVHeader(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "chunk.wav")
	require.NoError(t, encodeWAV(pcm(100*time.Millisecond), dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, 44+types.PCMBytes(100*time.Millisecond), len(data))
}

func TestChunkEncoderFallsBackToWAV(t *testing.T) {
	enc := newChunkEncoder(types.CodecWebM, "")
	assert.Equal(t, types.CodecWAV, enc.codec)
	assert.Equal(t, "wav", enc.Extension())
	assert.Equal(t, "audio/wav", enc.ContentType())

	enc = newChunkEncoder(types.CodecMP3, "/usr/bin/ffmpeg")
	assert.Equal(t, "mp3", enc.Extension())
}
