// Package server provides the WebSocket command handling and session
// management of the recorder web interface.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/config"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/notify"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// Command limits.
const (
	StartTimeout     = 30 * time.Second // Meeting creation, registration and microphone open
	StopTimeout      = 10 * time.Second // Capture loop drain
	DefaultLogEvents = 100              // Event log entries returned by events/view
)

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Recorder is the recording engine controlled by commands.
type Recorder interface {
	Start(ctx context.Context, target recording.Target) error
	Stop(ctx context.Context) error
	RetryStage(recordingID string, st types.Stage) error
	SetManualStages(manual bool)
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg      *config.Config
	recorder Recorder
	logPath  string
}

// NewCommandHandler creates a new command handler. logPath is the event log
// served by events/view.
func NewCommandHandler(cfg *config.Config, rec Recorder, logPath string) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		recorder: rec,
		logPath:  logPath,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "recording/start").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "recording":
		h.handleRecording(action, cmd, send, triggerStatusUpdate)
	case "pipeline":
		h.handlePipeline(action, cmd, send)
	case "audio":
		h.handleAudio(action, cmd, send)
	case "finalize":
		h.handleFinalize(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "api":
		h.handleAPI(action, cmd, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleRecording routes recording/* commands. Start and stop run
// asynchronously and trigger another status update when they finish.
func (h *CommandHandler) handleRecording(action string, cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	switch action {
	case "start":
		var req StartRecordingRequest
		if !DecodeAndValidate(cmd, send, &req) {
			return
		}
		target := req.Target()
		HandleActionAsync(cmd, send, func() (any, error) {
			defer triggerStatusUpdate()
			ctx, cancel := context.WithTimeout(context.Background(), StartTimeout)
			defer cancel()
			if err := h.recorder.Start(ctx, target); err != nil {
				slog.Warn("recording/start failed", "error", err)
				return nil, err
			}
			return nil, nil
		})
	case "stop":
		HandleActionAsync(cmd, send, func() (any, error) {
			defer triggerStatusUpdate()
			ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
			defer cancel()
			return nil, h.recorder.Stop(ctx)
		})
	default:
		slog.Warn("unknown recording action", "action", action)
	}
}

// handlePipeline routes pipeline/* commands.
func (h *CommandHandler) handlePipeline(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "retry":
		HandleCommand(cmd, send, func(req *RetryStageRequest) (any, error) {
			st, _ := types.ParseStage(req.Stage)
			if err := h.recorder.RetryStage(req.RecordingID, st); err != nil {
				return nil, err
			}
			return map[string]string{"recording_id": req.RecordingID, "stage": req.Stage}, nil
		})
	default:
		slog.Warn("unknown pipeline action", "action", action)
	}
}

// handleAudio routes audio/* commands.
func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		HandleCommand(cmd, send, func(req *AudioUpdateRequest) (any, error) {
			slog.Info("audio/update: changing audio input", "input", req.Input)
			return nil, h.cfg.SetAudioInput(req.Input)
		})
	default:
		slog.Warn("unknown audio action", "action", action)
	}
}

// handleFinalize routes finalize/* commands.
func (h *CommandHandler) handleFinalize(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		HandleCommand(cmd, send, func(req *FinalizeUpdateRequest) (any, error) {
			if err := h.cfg.SetManualStages(*req.ManualStages); err != nil {
				return nil, err
			}
			h.recorder.SetManualStages(*req.ManualStages)
			slog.Info("finalize/update: stage mode changed", "manual_stages", *req.ManualStages)
			return nil, nil
		})
	default:
		slog.Warn("unknown finalize action", "action", action)
	}
}

// handleNotifications routes notifications/* commands.
func (h *CommandHandler) handleNotifications(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "test-webhook":
		HandleActionAsync(cmd, send, func() (any, error) {
			return nil, notify.SendTestWebhook(h.cfg.Snapshot().WebhookURL)
		})
	case "test-archive":
		HandleActionAsync(cmd, send, func() (any, error) {
			snap := h.cfg.Snapshot()
			ctx, cancel := context.WithTimeout(context.Background(), StartTimeout)
			defer cancel()
			return nil, recording.TestS3Connection(ctx, &recording.S3Config{
				Endpoint:        snap.ArchiveEndpoint,
				Bucket:          snap.ArchiveBucket,
				AccessKeyID:     snap.ArchiveAccessKey,
				SecretAccessKey: snap.ArchiveSecretKey,
				Prefix:          snap.ArchivePrefix,
			})
		})
	default:
		slog.Warn("unknown notifications action", "action", action)
	}
}

// handleEvents routes events/* commands.
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "view":
		HandleCommand(cmd, send, func(req *EventsViewRequest) (any, error) {
			limit := req.Limit
			if limit == 0 {
				limit = DefaultLogEvents
			}
			events, more, err := eventlog.ReadLast(h.logPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events, "has_more": more}, nil
		})
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

// handleAPI routes api/* commands.
func (h *CommandHandler) handleAPI(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "regenerate-key":
		HandleActionAsync(cmd, send, func() (any, error) {
			newKey, err := config.GenerateAPIKey()
			if err != nil {
				return nil, err
			}
			if err := h.cfg.SetAPIKey(newKey); err != nil {
				return nil, err
			}
			slog.Info("API key regenerated")
			return map[string]string{"api_key": newKey}, nil
		})
	default:
		slog.Warn("unknown api action", "action", action)
	}
}

// handleStatus routes status/* commands.
func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Handle always triggers a status update.
		slog.Debug("status/get received")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
