package recording

import (
	"errors"
	"fmt"

	"github.com/oszuidwest/minutememo-recorder/internal/audio"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// Sentinel errors for recording operations.
var (
	// ErrAlreadyRecording is returned when a recording is active or starting.
	ErrAlreadyRecording = errors.New("recorder is already recording")

	// ErrNotRecording is returned when stopping while no recording is active.
	ErrNotRecording = errors.New("recorder is not recording")

	// ErrMissingTarget is returned when no meeting session could be resolved.
	ErrMissingTarget = errors.New("no meeting session selected")

	// ErrPipelineNotFound is returned for an unknown recording id.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrStageRunning is returned when retrying a stage that is still running.
	ErrStageRunning = errors.New("stage is already running")

	// ErrQueueFull is the cause of a chunk dropped at enqueue.
	ErrQueueFull = errors.New("upload queue full")

	// ErrQueueClosed is the cause of a chunk enqueued after Close.
	ErrQueueClosed = errors.New("upload queue closed")
)

// RegistrationError reports that the backend did not accept a new recording.
type RegistrationError struct {
	RecordingID string
	Err         error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register recording %s: %v", e.RecordingID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ChunkUploadError reports a chunk that never reached the backend.
type ChunkUploadError struct {
	RecordingID string
	Number      int
	Attempts    int
	Err         error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("upload chunk %d of %s after %d attempts: %v", e.Number, e.RecordingID, e.Attempts, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// StageError reports a failed finalization stage.
type StageError struct {
	Stage types.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	var regErr *RegistrationError
	var stageErr *StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingTarget):
		return "Select or create a meeting session before recording."
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Allow access to the microphone and try again."
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrNoAudioDevice):
		return "The microphone could not be opened. Check that it is connected and not in use."
	case errors.As(err, &regErr):
		return "The recording could not be registered with the server."
	case errors.Is(err, ErrAlreadyRecording):
		return "A recording is already in progress."
	case errors.Is(err, ErrNotRecording):
		return "No recording is in progress."
	case errors.As(err, &stageErr):
		return fmt.Sprintf("Finalization step %q failed.", stageErr.Stage)
	default:
		return err.Error()
	}
}
