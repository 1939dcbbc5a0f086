package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/minutememo-recorder/internal/config"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

type fakeRecorder struct {
	mu       sync.Mutex
	targets  []recording.Target
	stops    int
	retries  []string
	manual   *bool
	startErr error
	stopErr  error
}

func (f *fakeRecorder) Start(_ context.Context, t recording.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	return f.startErr
}

func (f *fakeRecorder) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeRecorder) RetryStage(id string, st types.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, id+"/"+string(st))
	return nil
}

func (f *fakeRecorder) SetManualStages(manual bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = &manual
}

func newTestHandler(t *testing.T) (*CommandHandler, *fakeRecorder, *config.Config) {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())
	rec := &fakeRecorder{}
	return NewCommandHandler(cfg, rec, filepath.Join(t.TempDir(), "events.jsonl")), rec, cfg
}

// run handles cmd and returns the first reply.
func run(t *testing.T, h *CommandHandler, cmdType string, data any) types.WSCommandResult {
	t.Helper()
	cmd := WSCommand{Type: cmdType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		cmd.Data = raw
	}
	send := make(chan any, 4)
	h.Handle(cmd, send, func() {})

	select {
	case msg := <-send:
		result, ok := msg.(types.WSCommandResult)
		require.True(t, ok, "unexpected reply %T", msg)
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply to %s", cmdType)
		return types.WSCommandResult{}
	}
}

func TestStartRecordingCommand(t *testing.T) {
	h, rec, _ := newTestHandler(t)

	result := run(t, h, "recording/start", map[string]string{"meeting_session_id": "42"})
	assert.True(t, result.Success)
	assert.Equal(t, "recording/start_result", result.Type)
	assert.Equal(t, []recording.Target{{MeetingSessionID: "42"}}, rec.targets)

	result = run(t, h, "recording/start", map[string]string{"hub_id": "3", "meeting_name": "Board"})
	assert.True(t, result.Success)
	assert.Equal(t, recording.Target{HubID: "3", MeetingName: "Board"}, rec.targets[1])
}

func TestStartRecordingValidation(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]string
		field string
	}{
		{"no target", nil, "meeting_session_id"},
		{"hub without name", map[string]string{"hub_id": "3"}, "meeting_name"},
		{"both targets", map[string]string{"meeting_session_id": "1", "hub_id": "3", "meeting_name": "x"}, "meeting_session_id"},
		{"non-numeric hub", map[string]string{"hub_id": "abc", "meeting_name": "x"}, "hub_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rec, _ := newTestHandler(t)
			var data any
			if tt.data != nil {
				data = tt.data
			}
			result := run(t, h, "recording/start", data)
			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.False(t, result.Success)
			require.NotNil(t, result.Error)
			require.NotEmpty(t, result.Error.Errors)
			assert.Equal(t, tt.field, result.Error.Errors[0].Field)
			assert.Empty(t, rec.targets)
		})
	}
}

func TestStartRecordingErrorIsUserFacing(t *testing.T) {
	h, rec, _ := newTestHandler(t)
	rec.startErr = recording.ErrAlreadyRecording

	result := run(t, h, "recording/start", map[string]string{"meeting_session_id": "42"})
	assert.False(t, result.Success)
	assert.Equal(t, recording.UserMessage(recording.ErrAlreadyRecording), result.Error.Errors[0].Message)
}

func TestStopRecordingCommand(t *testing.T) {
	h, rec, _ := newTestHandler(t)
	result := run(t, h, "recording/stop", nil)
	assert.True(t, result.Success)
	assert.Equal(t, 1, rec.stops)

	rec.stopErr = recording.ErrNotRecording
	result = run(t, h, "recording/stop", nil)
	assert.False(t, result.Success)
}

func TestRetryStageCommand(t *testing.T) {
	h, rec, _ := newTestHandler(t)

	result := run(t, h, "pipeline/retry", map[string]string{"recording_id": "r1", "stage": "summarize"})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"r1/summarize"}, rec.retries)

	result = run(t, h, "pipeline/retry", map[string]string{"recording_id": "r1", "stage": "publish"})
	assert.False(t, result.Success)
	assert.Equal(t, "stage", result.Error.Errors[0].Field)
	assert.Len(t, rec.retries, 1)
}

func TestFinalizeUpdateCommand(t *testing.T) {
	h, rec, cfg := newTestHandler(t)

	result := run(t, h, "finalize/update", map[string]bool{"manual_stages": true})
	assert.True(t, result.Success)
	assert.True(t, cfg.Snapshot().ManualStages)
	require.NotNil(t, rec.manual)
	assert.True(t, *rec.manual)

	result = run(t, h, "finalize/update", map[string]any{})
	assert.False(t, result.Success, "manual_stages is required")
}

func TestAudioUpdateCommand(t *testing.T) {
	h, _, cfg := newTestHandler(t)
	result := run(t, h, "audio/update", map[string]string{"input": "hw:1,0"})
	assert.True(t, result.Success)
	assert.Equal(t, "hw:1,0", cfg.AudioInput())
}

func TestRegenerateAPIKeyCommand(t *testing.T) {
	h, _, cfg := newTestHandler(t)
	result := run(t, h, "api/regenerate-key", nil)
	require.True(t, result.Success)

	data, ok := result.Data.(map[string]string)
	require.True(t, ok)
	assert.Len(t, data["api_key"], 32)
	assert.Equal(t, data["api_key"], cfg.APIKey())
}

func TestEventsViewMissingLog(t *testing.T) {
	h, _, _ := newTestHandler(t)
	result := run(t, h, "events/view", map[string]any{"filter": "chunk"})
	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"events": []eventlog.Event{}, "has_more": false}, result.Data)
}

func TestUnknownCommandTriggersStatusUpdate(t *testing.T) {
	h, _, _ := newTestHandler(t)
	triggered := false
	h.Handle(WSCommand{Type: "bogus/thing"}, make(chan any, 1), func() { triggered = true })
	assert.True(t, triggered)
}
