// Package recording captures meeting audio in fixed-length chunks, uploads
// them to the backend and finalizes stopped recordings.
package recording

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oszuidwest/minutememo-recorder/internal/audio"
	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// Backend is the subset of the backend API used by the Recorder.
type Backend interface {
	ChunkUploader
	Finalizer
	CreateMeeting(ctx context.Context, hubID, name string) (string, error)
	CreateRecording(ctx context.Context, reg backend.RecordingRegistration) error
}

// Chunk timing defaults.
const (
	DefaultChunkDuration = 5 * time.Second
	DefaultMinTail       = 1 * time.Second
)

// Target selects the meeting session a recording is attached to. Either
// MeetingSessionID or both HubID and MeetingName must be set.
type Target struct {
	MeetingSessionID string
	HubID            string
	MeetingName      string
}

// Options configures a Recorder.
type Options struct {
	Codec         types.Codec
	FFmpegPath    string
	ChunkDuration time.Duration
	MinTail       time.Duration
	Upload        UploadOptions
	Archive       *Archive

	// OnChange is called after every state change of the recorder.
	OnChange func()
	// OnStart is called with the analyser of each new recording.
	OnStart func(*audio.Analyser)
}

// Recorder drives the capture lifecycle. Only one recording is active at a
// time; stopped recordings finalize in the background.
type Recorder struct {
	backend  Backend
	mic      audio.Microphone
	opts     Options
	encoder  chunkEncoder
	metrics  *Metrics
	events   *eventlog.Logger
	pipeline *Pipeline

	mu       sync.Mutex
	starting bool
	session  *Session
	stream   io.ReadCloser
	analyser *audio.Analyser
	queue    *UploadQueue
	loopDone chan struct{}
	lastErr  error

	bgCtx      context.Context
	bgCancel   context.CancelCauseFunc
	finalizing sync.WaitGroup
}

// NewRecorder returns an idle Recorder.
func NewRecorder(b Backend, mic audio.Microphone, pipeline *Pipeline, metrics *Metrics, events *eventlog.Logger, opts Options) *Recorder {
	opts.ChunkDuration = cmp.Or(opts.ChunkDuration, DefaultChunkDuration)
	opts.MinTail = cmp.Or(opts.MinTail, DefaultMinTail)
	opts.Codec = cmp.Or(opts.Codec, types.CodecWebM)
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Recorder{
		backend:  b,
		mic:      mic,
		opts:     opts,
		encoder:  newChunkEncoder(opts.Codec, opts.FFmpegPath),
		metrics:  metrics,
		events:   events,
		pipeline: pipeline,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Codec returns the codec chunks are encoded with.
func (r *Recorder) Codec() types.Codec { return r.encoder.codec }

// Start registers a new recording with the backend, opens the microphone
// and begins cutting chunks.
func (r *Recorder) Start(ctx context.Context, target Target) (err error) {
	r.mu.Lock()
	if r.starting || (r.session != nil && r.session.IsRecording()) {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.starting = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.starting = false
		if err != nil {
			r.lastErr = err
		}
		r.mu.Unlock()
		r.changed()
	}()

	sessionID, err := r.resolveTarget(ctx, target)
	if err != nil {
		r.metrics.RecordingsTotal.WithLabelValues("no_target").Inc()
		return err
	}

	recordingID := uuid.NewString()
	reg := backend.NewRegistration(recordingID, sessionID, r.encoder.Extension())
	if err := r.backend.CreateRecording(ctx, reg); err != nil {
		r.metrics.RecordingsTotal.WithLabelValues("registration_failed").Inc()
		slog.Error("recording registration failed", "recording_id", recordingID, "meeting_session_id", sessionID, "error", err)
		_ = r.events.LogRecording(eventlog.RecordingError, recordingID, err.Error())
		return &RegistrationError{RecordingID: recordingID, Err: err}
	}

	stream, err := r.mic.Open(ctx)
	if err != nil {
		r.metrics.RecordingsTotal.WithLabelValues("device_error").Inc()
		slog.Error("failed to open microphone", "recording_id", recordingID, "error", err)
		_ = r.events.LogRecording(eventlog.RecordingError, recordingID, err.Error())
		return err
	}

	sess := NewSession(recordingID, sessionID)
	if err := sess.transition(types.StateCutting); err != nil {
		return errors.Join(err, stream.Close())
	}
	analyser := audio.NewAnalyser()
	queue := newUploadQueue(recordingID, r.opts.Upload, r.backend, r.encoder, r.opts.Archive, r.metrics, r.events)
	done := make(chan struct{})

	r.mu.Lock()
	r.session = sess
	r.stream = stream
	r.analyser = analyser
	r.queue = queue
	r.loopDone = done
	r.lastErr = nil
	r.mu.Unlock()

	go r.captureLoop(sess, stream, analyser, queue, done)

	r.metrics.RecordingsTotal.WithLabelValues("started").Inc()
	slog.Info("recording started", "recording_id", recordingID, "meeting_session_id", sessionID, "codec", r.encoder.codec, "chunk_duration", r.opts.ChunkDuration)
	_ = r.events.LogRecording(eventlog.RecordingStarted, recordingID, "meeting session "+sessionID)

	if r.opts.OnStart != nil {
		r.opts.OnStart(analyser)
	}
	return nil
}

func (r *Recorder) resolveTarget(ctx context.Context, t Target) (string, error) {
	if t.MeetingSessionID != "" {
		return t.MeetingSessionID, nil
	}
	if t.HubID == "" || t.MeetingName == "" {
		return "", ErrMissingTarget
	}
	id, err := r.backend.CreateMeeting(ctx, t.HubID, t.MeetingName)
	if err != nil {
		return "", fmt.Errorf("%w: create meeting: %w", ErrMissingTarget, err)
	}
	slog.Info("meeting created", "hub_id", t.HubID, "name", t.MeetingName, "meeting_session_id", id)
	return id, nil
}

// captureLoop reads PCM from the stream, feeds the analyser and cuts chunks
// until the stream ends.
func (r *Recorder) captureLoop(sess *Session, stream io.Reader, analyser *audio.Analyser, queue *UploadQueue, done chan<- struct{}) {
	defer close(done)

	chunkSize := types.PCMBytes(r.opts.ChunkDuration)
	minTail := types.PCMBytes(r.opts.MinTail)
	buf := make([]byte, types.ReadBufferSize)
	chunk := make([]byte, 0, chunkSize)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			_, _ = analyser.Write(buf[:n])
			chunk = append(chunk, buf[:n]...)
			for len(chunk) >= chunkSize {
				r.emit(sess, queue, chunk[:chunkSize])
				chunk = append(make([]byte, 0, chunkSize), chunk[chunkSize:]...)
			}
		}
		if err == nil {
			continue
		}

		if len(chunk) > 0 && len(chunk) >= minTail {
			r.emit(sess, queue, chunk)
		} else if len(chunk) > 0 {
			slog.Debug("discarding short tail", "recording_id", sess.RecordingID(), "duration", types.PCMDuration(len(chunk)))
		}

		if sess.StopRequested() {
			if terr := sess.transition(types.StateStopped); terr != nil {
				slog.Error("capture loop", "recording_id", sess.RecordingID(), "error", terr)
			}
			return
		}

		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: capture ended", audio.ErrDeviceUnavailable)
		}
		if sess.fail(err) != nil {
			// Stop was requested after the read failed.
			_ = sess.transition(types.StateStopped)
			return
		}
		slog.Error("microphone lost during recording", "recording_id", sess.RecordingID(), "error", err)
		_ = r.events.LogRecording(eventlog.RecordingError, sess.RecordingID(), err.Error())
		r.deviceLost(sess, err)
		return
	}
}

// emit numbers a closed chunk and hands it to the upload queue.
func (r *Recorder) emit(sess *Session, queue *UploadQueue, pcm []byte) {
	number := sess.NextChunkNumber()
	job := chunkJob{number: number, pcm: append([]byte(nil), pcm...)}
	if err := queue.Enqueue(job); err == nil {
		slog.Debug("chunk closed", "recording_id", sess.RecordingID(), "chunk", number, "bytes", len(pcm))
	}
	r.changed()
}

// deviceLost tears down a recording whose capture failed and finalizes it.
func (r *Recorder) deviceLost(sess *Session, cause error) {
	r.mu.Lock()
	if r.session != sess {
		r.mu.Unlock()
		return
	}
	stream, analyser, queue := r.stream, r.analyser, r.queue
	r.lastErr = cause
	r.mu.Unlock()

	if err := errors.Join(stream.Close(), analyser.Close()); err != nil {
		slog.Warn("teardown after device loss", "recording_id", sess.RecordingID(), "error", err)
	}
	_ = r.events.LogRecording(eventlog.RecordingStopped, sess.RecordingID(), "device lost")
	r.finalize(sess, queue)
	r.changed()
}

// Stop ends the active recording. Local resources are released before Stop
// returns; uploads drain and finalization runs in the background.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	sess := r.session
	if sess == nil || !sess.RequestStop() {
		r.mu.Unlock()
		return ErrNotRecording
	}
	stream, analyser, queue, done := r.stream, r.analyser, r.queue, r.loopDone
	r.mu.Unlock()

	var errs []error
	if err := stream.Close(); err != nil {
		errs = append(errs, util.WrapError("release microphone", err))
	}
	if err := analyser.Close(); err != nil {
		errs = append(errs, util.WrapError("close analyser", err))
	}

	select {
	case <-done:
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("capture loop did not finish in time", "recording_id", sess.RecordingID())
	case <-ctx.Done():
		errs = append(errs, context.Cause(ctx))
	}

	slog.Info("recording stopped", "recording_id", sess.RecordingID(), "chunks", sess.ChunkCount(), "duration", time.Since(sess.StartedAt()).Round(time.Second))
	_ = r.events.LogRecording(eventlog.RecordingStopped, sess.RecordingID(), fmt.Sprintf("%d chunks", sess.ChunkCount()))

	r.finalize(sess, queue)
	r.changed()
	return errors.Join(errs...)
}

// finalize drains the upload queue of sess and runs the pipeline in the background.
func (r *Recorder) finalize(sess *Session, queue *UploadQueue) {
	r.finalizing.Add(1)
	go func() {
		defer r.finalizing.Done()
		stop := context.AfterFunc(r.bgCtx, func() { queue.Abort(context.Cause(r.bgCtx)) })
		defer stop()

		queue.Close()
		queue.Wait()
		r.changed()

		if failed := queue.Failed(); failed > 0 {
			slog.Warn("recording has missing chunks", "recording_id", sess.RecordingID(), "failed", failed, "uploaded", queue.Uploaded())
		}
		if sess.ChunkCount() == 0 {
			slog.Warn("no audio captured, skipping finalization", "recording_id", sess.RecordingID())
			_ = r.events.LogRecording(eventlog.RecordingEmpty, sess.RecordingID(), "no audio captured, finalization skipped")
			return
		}
		if r.pipeline == nil {
			return
		}
		if _, err := r.pipeline.Store().Create(sess.RecordingID(), sess.MeetingSessionID(), sess.ChunkCount()); err != nil {
			slog.Error("failed to store pipeline", "recording_id", sess.RecordingID(), "error", err)
		}
		r.changed()
		r.pipeline.Run(r.bgCtx, sess.RecordingID())
		r.changed()
	}()
}

// Status returns a snapshot of the recorder.
func (r *Recorder) Status() types.RecorderStatus {
	r.mu.Lock()
	sess, queue, lastErr := r.session, r.queue, r.lastErr
	r.mu.Unlock()

	status := types.RecorderStatus{State: types.StateIdle, LastError: UserMessage(lastErr)}
	if sess == nil {
		return status
	}
	status.State = sess.State()
	status.IsRecording = status.State == types.StateCutting
	status.RecordingID = sess.RecordingID()
	status.MeetingSessionID = sess.MeetingSessionID()
	status.ChunksEnqueued = sess.ChunkCount()
	if queue != nil {
		status.ChunksUploaded = queue.Uploaded()
		status.ChunksFailed = queue.Failed()
	}
	if status.IsRecording {
		status.Duration = util.FormatDuration(time.Since(sess.StartedAt()))
	}
	if lastErr == nil {
		status.LastError = UserMessage(sess.Err())
	}
	return status
}

// IsRecording reports whether a recording is being captured.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil && r.session.IsRecording()
}

// Source returns the analyser of the current recording, or nil.
func (r *Recorder) Source() *audio.Analyser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analyser
}

// ManualStages reports whether AI stages wait for a manual trigger.
func (r *Recorder) ManualStages() bool {
	return r.pipeline != nil && r.pipeline.ManualStages()
}

// SetManualStages switches finalization mode for recordings stopped later.
func (r *Recorder) SetManualStages(manual bool) {
	if r.pipeline != nil {
		r.pipeline.SetManualStages(manual)
	}
}

// Pipelines returns the stored finalization records, newest first.
func (r *Recorder) Pipelines() []types.PipelineStatus {
	if r.pipeline == nil {
		return []types.PipelineStatus{}
	}
	return r.pipeline.Store().List()
}

// Pipeline returns the finalization record of recordingID.
func (r *Recorder) Pipeline(recordingID string) (types.PipelineStatus, error) {
	if r.pipeline == nil {
		return types.PipelineStatus{}, ErrPipelineNotFound
	}
	p, ok := r.pipeline.Store().Get(recordingID)
	if !ok {
		return types.PipelineStatus{}, ErrPipelineNotFound
	}
	return p, nil
}

// RetryStage runs one stage of a stored recording again in the background.
func (r *Recorder) RetryStage(recordingID string, st types.Stage) error {
	p, err := r.Pipeline(recordingID)
	if err != nil {
		return err
	}
	s := p.Stage(st)
	if s == nil {
		return fmt.Errorf("unknown stage %q", st)
	}
	if s.State == types.StageRunning {
		return ErrStageRunning
	}

	slog.Info("retrying finalization stage", "recording_id", recordingID, "stage", st, "previous_state", s.State)
	r.finalizing.Add(1)
	go func() {
		defer r.finalizing.Done()
		_ = r.pipeline.RunStage(r.bgCtx, recordingID, st)
		r.changed()
	}()
	return nil
}

// Shutdown stops an active recording and waits for background finalization.
// When ctx expires, pending retries and stages are cancelled.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		slog.Warn("stop during shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		r.finalizing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.bgCancel(errors.New("recorder shutting down"))
		<-done
		return context.Cause(ctx)
	}
}

func (r *Recorder) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange()
	}
}
