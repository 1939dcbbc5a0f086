package recording

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// ChunkUploader sends encoded chunks to the backend.
type ChunkUploader interface {
	UploadChunk(ctx context.Context, ch backend.Chunk) error
}

// Upload queue defaults.
const (
	DefaultUploadWorkers  = 2
	DefaultQueueSize      = 64
	DefaultUploadAttempts = 4
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 15 * time.Second
)

// UploadOptions configures an UploadQueue.
type UploadOptions struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SpoolDir       string
}

func (o UploadOptions) withDefaults() UploadOptions {
	o.Workers = cmp.Or(o.Workers, DefaultUploadWorkers)
	o.QueueSize = cmp.Or(o.QueueSize, DefaultQueueSize)
	o.MaxAttempts = cmp.Or(o.MaxAttempts, DefaultUploadAttempts)
	o.InitialBackoff = cmp.Or(o.InitialBackoff, DefaultInitialBackoff)
	o.MaxBackoff = cmp.Or(o.MaxBackoff, DefaultMaxBackoff)
	o.SpoolDir = cmp.Or(o.SpoolDir, filepath.Join(os.TempDir(), "minutememo-spool"))
	return o
}

// chunkJob is one closed chunk of raw PCM waiting for upload.
type chunkJob struct {
	number int
	pcm    []byte
}

// UploadQueue encodes and uploads the chunks of one recording with a fixed
// pool of workers. Enqueue never blocks.
type UploadQueue struct {
	recordingID string
	opts        UploadOptions
	uploader    ChunkUploader
	encoder     chunkEncoder
	archive     *Archive
	metrics     *Metrics
	events      *eventlog.Logger

	jobs   chan chunkJob
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	failures []*ChunkUploadError

	uploaded atomic.Int64
	failed   atomic.Int64
}

func newUploadQueue(recordingID string, opts UploadOptions, uploader ChunkUploader, enc chunkEncoder, archive *Archive, metrics *Metrics, events *eventlog.Logger) *UploadQueue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	q := &UploadQueue{
		recordingID: recordingID,
		opts:        opts,
		uploader:    uploader,
		encoder:     enc,
		archive:     archive,
		metrics:     metrics,
		events:      events,
		jobs:        make(chan chunkJob, opts.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	q.wg.Add(opts.Workers)
	for range opts.Workers {
		go q.worker()
	}
	return q
}

// Enqueue hands a chunk to the workers. When the queue is full or closed the
// chunk is dropped and a *ChunkUploadError is returned.
func (q *UploadQueue) Enqueue(job chunkJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.dropLocked(job, ErrQueueClosed)
	}
	select {
	case q.jobs <- job:
		q.metrics.ChunksEnqueued.Inc()
		q.metrics.QueueDepth.Inc()
		_ = q.events.LogChunk(eventlog.ChunkQueued, q.recordingID, eventlog.ChunkDetails{Number: job.number, SizeBytes: len(job.pcm)})
		return nil
	default:
		return q.dropLocked(job, ErrQueueFull)
	}
}

func (q *UploadQueue) dropLocked(job chunkJob, cause error) error {
	err := &ChunkUploadError{RecordingID: q.recordingID, Number: job.number, Err: cause}
	q.failures = append(q.failures, err)
	q.failed.Add(1)
	q.metrics.ChunkUploadsTotal.WithLabelValues(resultDropped).Inc()
	slog.Error("chunk dropped", "recording_id", q.recordingID, "chunk", job.number, "error", cause)
	_ = q.events.LogChunk(eventlog.ChunkDropped, q.recordingID, eventlog.ChunkDetails{Number: job.number, Error: cause.Error()})
	return err
}

// Close stops accepting chunks. Queued chunks are still uploaded.
func (q *UploadQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Wait blocks until every queued chunk was uploaded or abandoned.
func (q *UploadQueue) Wait() {
	q.wg.Wait()
	_ = os.Remove(q.spoolDir()) // only succeeds when no abandoned chunk remains
}

// Abort cancels pending retries. In-flight uploads fail fast.
func (q *UploadQueue) Abort(cause error) {
	q.cancel(cause)
}

// Uploaded returns the number of chunks the backend accepted.
func (q *UploadQueue) Uploaded() int { return int(q.uploaded.Load()) }

// Failed returns the number of dropped or abandoned chunks.
func (q *UploadQueue) Failed() int { return int(q.failed.Load()) }

// Failures returns the errors of all dropped or abandoned chunks.
func (q *UploadQueue) Failures() []*ChunkUploadError {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*ChunkUploadError(nil), q.failures...)
}

func (q *UploadQueue) spoolDir() string {
	return filepath.Join(q.opts.SpoolDir, q.recordingID)
}

func (q *UploadQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.metrics.QueueDepth.Dec()
		q.process(job)
	}
}

// process encodes, archives and uploads one chunk. The spool file is removed
// after a successful upload and kept when the chunk is abandoned.
func (q *UploadQueue) process(job chunkJob) {
	start := time.Now()
	filename := fmt.Sprintf("chunk_%d.%s", job.number, q.encoder.Extension())
	spoolPath := filepath.Join(q.spoolDir(), fmt.Sprintf("chunk_%05d.%s", job.number, q.encoder.Extension()))

	data, err := q.encode(job, spoolPath)
	if err != nil {
		q.abandon(job, 0, spoolPath, err)
		return
	}

	if q.archive != nil {
		if key, err := q.archive.PutChunk(q.ctx, q.recordingID, job.number, q.encoder.Extension(), q.encoder.ContentType(), data); err != nil {
			slog.Warn("chunk archive failed", "recording_id", q.recordingID, "chunk", job.number, "error", err)
		} else {
			slog.Debug("chunk archived", "recording_id", q.recordingID, "chunk", job.number, "key", key)
		}
	}

	chunk := backend.Chunk{
		RecordingID: q.recordingID,
		Number:      job.number,
		Filename:    filename,
		ContentType: q.encoder.ContentType(),
		Data:        data,
	}
	backoff := util.NewBackoff(q.opts.InitialBackoff, q.opts.MaxBackoff)

	for attempt := 1; ; attempt++ {
		err = q.uploader.UploadChunk(q.ctx, chunk)
		if err == nil {
			q.uploaded.Add(1)
			q.metrics.ChunkUploadsTotal.WithLabelValues(resultSuccess).Inc()
			q.metrics.UploadSeconds.Observe(time.Since(start).Seconds())
			slog.Info("chunk uploaded", "recording_id", q.recordingID, "chunk", job.number, "bytes", len(data), "attempt", attempt)
			_ = q.events.LogChunk(eventlog.ChunkUploaded, q.recordingID, eventlog.ChunkDetails{Number: job.number, SizeBytes: len(data), Attempt: attempt})
			if rmErr := os.Remove(spoolPath); rmErr != nil {
				slog.Warn("failed to remove spooled chunk", "path", spoolPath, "error", rmErr)
			}
			return
		}

		if attempt >= q.opts.MaxAttempts || !retryable(err) {
			q.abandon(job, attempt, spoolPath, err)
			return
		}

		q.metrics.ChunkUploadsTotal.WithLabelValues(resultRetry).Inc()
		slog.Warn("chunk upload failed, retrying", "recording_id", q.recordingID, "chunk", job.number, "attempt", attempt, "retry_in", backoff.Current(), "error", err)
		_ = q.events.LogChunk(eventlog.ChunkRetry, q.recordingID, eventlog.ChunkDetails{Number: job.number, Attempt: attempt, Error: err.Error()})

		if waitErr := backoff.Wait(q.ctx); waitErr != nil {
			q.abandon(job, attempt, spoolPath, errors.Join(err, waitErr))
			return
		}
	}
}

func (q *UploadQueue) encode(job chunkJob, spoolPath string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(spoolPath), 0o755); err != nil {
		return nil, util.WrapError("create spool directory", err)
	}
	if err := q.encoder.Encode(q.ctx, job.pcm, spoolPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(spoolPath)
	if err != nil {
		return nil, util.WrapError("read encoded chunk", err)
	}
	return data, nil
}

func (q *UploadQueue) abandon(job chunkJob, attempts int, spoolPath string, cause error) {
	err := &ChunkUploadError{RecordingID: q.recordingID, Number: job.number, Attempts: attempts, Err: cause}

	q.mu.Lock()
	q.failures = append(q.failures, err)
	q.mu.Unlock()
	q.failed.Add(1)

	q.metrics.ChunkUploadsTotal.WithLabelValues(resultAbandoned).Inc()
	slog.Error("chunk upload abandoned", "recording_id", q.recordingID, "chunk", job.number, "attempts", attempts, "spool_path", spoolPath, "error", cause)
	_ = q.events.LogChunk(eventlog.ChunkAbandoned, q.recordingID, eventlog.ChunkDetails{
		Number:    job.number,
		Attempt:   attempts,
		SpoolPath: spoolPath,
		Error:     cause.Error(),
	})
}

// retryable reports whether an upload failure may succeed on a later attempt.
// Client errors other than timeouts and rate limits are final.
func retryable(err error) bool {
	var se *backend.StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return se.StatusCode >= 500
}
