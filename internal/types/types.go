// Package types provides shared type definitions used across the recorder.
package types

import (
	"time"
)

// LoopState is the state of the chunk-cut loop of a recording.
type LoopState string

const (
	// StateIdle indicates no recording has been started.
	StateIdle LoopState = "idle"
	// StateCutting indicates audio is captured and chunks are being cut.
	StateCutting LoopState = "cutting"
	// StateStopping indicates a stop was requested and the final chunk is being flushed.
	StateStopping LoopState = "stopping"
	// StateStopped indicates the capture has ended.
	StateStopped LoopState = "stopped"
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling process state.
	PollInterval = 50 * time.Millisecond
	// OpenTimeout bounds how long opening the microphone may take.
	OpenTimeout = 5000 * time.Millisecond
)

// Audio format constants for PCM capture and encoding.
const (
	// SampleRate is the audio sample rate in Hz.
	SampleRate = 48000
	// Channels is the number of audio channels (stereo).
	Channels = 2
	// BitDepth is the sample size in bits.
	BitDepth = 16
	// BytesPerSecond is the PCM data rate of s16le stereo at SampleRate.
	BytesPerSecond = SampleRate * Channels * BitDepth / 8
	// ReadBufferSize is one read from the capture process, ~100ms of audio.
	ReadBufferSize = BytesPerSecond / 10
)

// PCMBytes returns the number of PCM bytes covering d, aligned to whole frames.
func PCMBytes(d time.Duration) int {
	frameSize := Channels * BitDepth / 8
	n := int(int64(BytesPerSecond) * int64(d) / int64(time.Second))
	return n - n%frameSize
}

// PCMDuration returns the duration of n PCM bytes.
func PCMDuration(n int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / BytesPerSecond)
}

// Codec represents a chunk encoding.
type Codec string

// Supported chunk codecs.
const (
	CodecWebM Codec = "webm" // Opus in WebM, what browsers upload
	CodecOGG  Codec = "ogg"  // Opus in Ogg
	CodecMP3  Codec = "mp3"  // MPEG Audio Layer III
	CodecWAV  Codec = "wav"  // Uncompressed PCM, encoded in-process
)

// CodecPreset defines FFmpeg encoding parameters and file naming for a codec.
type CodecPreset struct {
	Args        []string // FFmpeg codec arguments
	Format      string   // FFmpeg output format
	Extension   string   // File extension without dot
	ContentType string   // MIME type for uploads
}

// CodecPresets maps codec types to their FFmpeg configuration.
var CodecPresets = map[Codec]CodecPreset{
	CodecWebM: {[]string{"libopus", "-b:a", "64k"}, "webm", "webm", "audio/webm"},
	CodecOGG:  {[]string{"libopus", "-b:a", "64k"}, "ogg", "ogg", "audio/ogg"},
	CodecMP3:  {[]string{"libmp3lame", "-b:a", "128k"}, "mp3", "mp3", "audio/mpeg"},
	CodecWAV:  {nil, "wav", "wav", "audio/wav"},
}

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	_, ok := CodecPresets[c]
	return ok
}

// Preset returns the preset for c, falling back to WebM.
func (c Codec) Preset() CodecPreset {
	if preset, ok := CodecPresets[c]; ok {
		return preset
	}
	return CodecPresets[CodecWebM]
}

// NeedsFFmpeg reports whether encoding c requires an FFmpeg binary.
func (c Codec) NeedsFFmpeg() bool {
	return c != CodecWAV
}

// Stage names a step of recording finalization.
type Stage string

// Finalization stages in execution order.
const (
	StageConcatenate        Stage = "concatenate"
	StagePersistAudio       Stage = "persist_audio"
	StageTranscribe         Stage = "transcribe"
	StageSummarize          Stage = "summarize"
	StageExtractActionItems Stage = "extract_action_items"
)

// Stages lists all finalization stages in execution order.
var Stages = []Stage{
	StageConcatenate,
	StagePersistAudio,
	StageTranscribe,
	StageSummarize,
	StageExtractActionItems,
}

// ParseStage returns the Stage with the given name.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// StageState is the status of a single stage.
type StageState string

// Stage states.
const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
)

// StageStatus is the persisted outcome of one finalization stage.
type StageStatus struct {
	Stage     Stage      `json:"stage"`
	State     StageState `json:"state"`
	Attempts  int        `json:"attempts,omitzero"`
	Error     string     `json:"error,omitzero"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
}

// ActionItem is an action point extracted from a meeting transcription.
type ActionItem struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	SortingID int    `json:"sorting_id,omitzero"`
}

// PipelineStatus is the finalization record of one recording.
type PipelineStatus struct {
	RecordingID      string        `json:"recording_id"`
	MeetingSessionID string        `json:"meeting_session_id"`
	ChunkCount       int           `json:"chunk_count"`
	FileURL          string        `json:"file_url,omitzero"`
	Transcription    string        `json:"transcription,omitzero"`
	ShortSummary     string        `json:"short_summary,omitzero"`
	LongSummary      string        `json:"long_summary,omitzero"`
	ActionItems      []ActionItem  `json:"action_items,omitempty"`
	Stages           []StageStatus `json:"stages"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Stage returns a pointer to the status entry of st, or nil.
func (p *PipelineStatus) Stage(st Stage) *StageStatus {
	for i := range p.Stages {
		if p.Stages[i].Stage == st {
			return &p.Stages[i]
		}
	}
	return nil
}

// Done reports whether every stage succeeded.
func (p *PipelineStatus) Done() bool {
	for i := range p.Stages {
		if p.Stages[i].State != StageSucceeded {
			return false
		}
	}
	return true
}

// RecorderStatus is a point-in-time view of the recorder.
type RecorderStatus struct {
	IsRecording      bool      `json:"is_recording"`
	State            LoopState `json:"state"`
	RecordingID      string    `json:"recording_id,omitzero"`
	MeetingSessionID string    `json:"meeting_session_id,omitzero"`
	ChunksEnqueued   int       `json:"chunks_enqueued"`
	ChunksUploaded   int       `json:"chunks_uploaded"`
	ChunksFailed     int       `json:"chunks_failed"`
	Duration         string    `json:"duration,omitzero"`
	LastError        string    `json:"last_error,omitzero"`
}

// WSStatusResponse is sent to clients with the recorder and finalization status.
type WSStatusResponse struct {
	Type            string           `json:"type"`             // Message type identifier
	FFmpegAvailable bool             `json:"ffmpeg_available"` // FFmpeg binary is available
	Recorder        RecorderStatus   `json:"recorder"`         // Live recorder status
	Pipelines       []PipelineStatus `json:"pipelines"`        // Recent finalizations, newest first
	ManualStages    bool             `json:"manual_stages"`    // AI stages wait for a manual trigger
	AudioInput      string           `json:"audio_input"`      // Selected audio input device
	Platform        string           `json:"platform"`         // Operating system platform
	Version         VersionInfo      `json:"version"`          // Version information
}

// Bar is one rounded rectangle of the visualizer.
type Bar struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// WSSpectrumResponse carries one visualizer frame.
type WSSpectrumResponse struct {
	Type   string `json:"type"` // "spectrum"
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Radius int    `json:"radius"`
	Color  string `json:"color"`
	Bars   []Bar  `json:"bars"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
