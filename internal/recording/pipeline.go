package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/notify"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// Finalizer is the part of the backend that finalizes a recording.
type Finalizer interface {
	Concatenate(ctx context.Context, recordingID string) (string, error)
	UpdateRecordingAudio(ctx context.Context, recordingID, audioURL string) error
	Transcribe(ctx context.Context, sessionID, language string) (string, error)
	Summarize(ctx context.Context, sessionID string) (backend.Summary, error)
	ExtractActionItems(ctx context.Context, sessionID string) ([]types.ActionItem, error)
}

// errNoFileURL is returned by persist_audio before a successful concatenate.
var errNoFileURL = errors.New("no file_url, concatenate has not succeeded")

// stageTimeout bounds a single stage call. Transcription of a long meeting
// can take minutes on the backend.
const stageTimeout = 10 * time.Minute

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Language     string
	ManualStages bool
	WebhookURL   string
}

// Pipeline runs the finalization stages of stopped recordings.
type Pipeline struct {
	backend Finalizer
	store   *PipelineStore
	metrics *Metrics
	events  *eventlog.Logger
	opts    PipelineOptions
	manual  atomic.Bool
}

// NewPipeline returns a Pipeline that records stage outcomes in store.
func NewPipeline(b Finalizer, store *PipelineStore, metrics *Metrics, events *eventlog.Logger, opts PipelineOptions) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	p := &Pipeline{backend: b, store: store, metrics: metrics, events: events, opts: opts}
	p.manual.Store(opts.ManualStages)
	return p
}

// Store returns the pipeline store.
func (p *Pipeline) Store() *PipelineStore { return p.store }

// ManualStages reports whether AI stages wait for a manual trigger.
func (p *Pipeline) ManualStages() bool { return p.manual.Load() }

// SetManualStages changes the mode for recordings stopped from now on.
func (p *Pipeline) SetManualStages(manual bool) { p.manual.Store(manual) }

// automaticStages returns the stages a stop runs without user action.
func (p *Pipeline) automaticStages() []types.Stage {
	if p.manual.Load() {
		return []types.Stage{types.StageConcatenate, types.StagePersistAudio}
	}
	return types.Stages
}

// Run executes the automatic stages for recordingID in order. A failed
// concatenate ends the run; every other failure is recorded and the run
// continues.
func (p *Pipeline) Run(ctx context.Context, recordingID string) {
	for _, st := range p.automaticStages() {
		if ctx.Err() != nil {
			slog.Warn("finalization interrupted", "recording_id", recordingID, "stage", st, "error", context.Cause(ctx))
			return
		}
		err := p.RunStage(ctx, recordingID, st)
		if err != nil && st == types.StageConcatenate {
			break
		}
	}

	status, ok := p.store.Get(recordingID)
	if !ok {
		return
	}
	if status.Done() {
		slog.Info("finalization completed", "recording_id", recordingID, "file_url", status.FileURL)
		_ = p.events.LogRecording(eventlog.PipelineCompleted, recordingID, status.FileURL)
	}
	if util.IsConfigured(p.opts.WebhookURL) {
		util.LogNotifyResult(func() error {
			return notify.SendPipelineWebhook(p.opts.WebhookURL, &status)
		}, "webhook", "recording_id", recordingID)
	}
}

// RunStage executes one stage and stores its outcome. A failure is returned
// as a *StageError.
func (p *Pipeline) RunStage(ctx context.Context, recordingID string, st types.Stage) error {
	status, err := p.store.Update(recordingID, func(ps *types.PipelineStatus) error {
		s := ps.Stage(st)
		if s == nil {
			return fmt.Errorf("unknown stage %q", st)
		}
		if s.State == types.StageRunning {
			return ErrStageRunning
		}
		s.State = types.StageRunning
		s.Attempts++
		s.Error = ""
		s.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	start := time.Now()
	apply, runErr := p.execute(ctx, &status, st)

	final, err := p.store.Update(recordingID, func(ps *types.PipelineStatus) error {
		s := ps.Stage(st)
		s.UpdatedAt = time.Now().UTC()
		if runErr != nil {
			s.State = types.StageFailed
			s.Error = runErr.Error()
			return nil
		}
		s.State = types.StageSucceeded
		if apply != nil {
			apply(ps)
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to store stage outcome", "recording_id", recordingID, "stage", st, "error", err)
	}

	attempts := 0
	if s := final.Stage(st); s != nil {
		attempts = s.Attempts
	}
	if runErr != nil {
		p.metrics.StagesTotal.WithLabelValues(string(st), resultFailure).Inc()
		slog.Error("finalization stage failed", "recording_id", recordingID, "stage", st, "attempt", attempts, "error", runErr)
		_ = p.events.LogStage(eventlog.StageFailed, recordingID, eventlog.StageDetails{Stage: string(st), Attempts: attempts, Error: runErr.Error()})
		return &StageError{Stage: st, Err: runErr}
	}

	p.metrics.StagesTotal.WithLabelValues(string(st), resultSuccess).Inc()
	slog.Info("finalization stage succeeded", "recording_id", recordingID, "stage", st, "duration", time.Since(start).Round(time.Millisecond))
	_ = p.events.LogStage(eventlog.StageSucceeded, recordingID, eventlog.StageDetails{Stage: string(st), Attempts: attempts})
	return nil
}

// execute performs the backend call of st. The returned func copies the
// result into the stored record.
func (p *Pipeline) execute(ctx context.Context, ps *types.PipelineStatus, st types.Stage) (func(*types.PipelineStatus), error) {
	switch st {
	case types.StageConcatenate:
		fileURL, err := p.backend.Concatenate(ctx, ps.RecordingID)
		if err != nil {
			return nil, err
		}
		return func(ps *types.PipelineStatus) { ps.FileURL = fileURL }, nil

	case types.StagePersistAudio:
		if ps.FileURL == "" {
			return nil, errNoFileURL
		}
		return nil, p.backend.UpdateRecordingAudio(ctx, ps.RecordingID, ps.FileURL)

	case types.StageTranscribe:
		text, err := p.backend.Transcribe(ctx, ps.MeetingSessionID, p.opts.Language)
		if err != nil {
			return nil, err
		}
		return func(ps *types.PipelineStatus) { ps.Transcription = text }, nil

	case types.StageSummarize:
		sum, err := p.backend.Summarize(ctx, ps.MeetingSessionID)
		if err != nil {
			return nil, err
		}
		return func(ps *types.PipelineStatus) {
			ps.ShortSummary = sum.Short
			ps.LongSummary = sum.Long
		}, nil

	case types.StageExtractActionItems:
		items, err := p.backend.ExtractActionItems(ctx, ps.MeetingSessionID)
		if err != nil {
			return nil, err
		}
		return func(ps *types.PipelineStatus) { ps.ActionItems = items }, nil
	}
	return nil, fmt.Errorf("unknown stage %q", st)
}
