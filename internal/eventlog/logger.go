// Package eventlog records recorder activity in a JSON lines file.
// Each line is one Event: recording lifecycle, chunk uploads or
// finalization stages.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Recording event types.
const (
	RecordingStarted EventType = "recording_started"
	RecordingStopped EventType = "recording_stopped"
	RecordingError   EventType = "recording_error"
	RecordingEmpty   EventType = "recording_empty"
)

// Chunk upload event types.
const (
	ChunkQueued    EventType = "chunk_queued"
	ChunkUploaded  EventType = "chunk_uploaded"
	ChunkRetry     EventType = "chunk_retry"
	ChunkAbandoned EventType = "chunk_abandoned"
	ChunkDropped   EventType = "chunk_dropped"
)

// Finalization event types.
const (
	StageSucceeded    EventType = "stage_succeeded"
	StageFailed       EventType = "stage_failed"
	PipelineCompleted EventType = "pipeline_completed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp   time.Time `json:"ts"`
	Type        EventType `json:"type"`
	RecordingID string    `json:"recording_id,omitempty"`
	Message     string    `json:"msg,omitempty"`
	Details     any       `json:"details,omitempty"`
}

// ChunkDetails contains chunk-specific event details.
type ChunkDetails struct {
	Number    int    `json:"chunk_number"`
	SizeBytes int    `json:"size_bytes,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	SpoolPath string `json:"spool_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StageDetails contains finalization stage details.
type StageDetails struct {
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file. A nil Logger discards events.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "minutememo", "logs", strconv.Itoa(port), "recorder.jsonl")
	default:
		return filepath.Join("/var/log/minutememo", strconv.Itoa(port), "recorder.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// LogRecording logs a recording lifecycle event.
func (l *Logger) LogRecording(eventType EventType, recordingID, message string) error {
	return l.Log(&Event{Type: eventType, RecordingID: recordingID, Message: message})
}

// LogChunk logs a chunk upload event.
func (l *Logger) LogChunk(eventType EventType, recordingID string, d ChunkDetails) error {
	return l.Log(&Event{Type: eventType, RecordingID: recordingID, Details: &d})
}

// LogStage logs a finalization stage outcome.
func (l *Logger) LogStage(eventType EventType, recordingID string, d StageDetails) error {
	return l.Log(&Event{Type: eventType, RecordingID: recordingID, Details: &d})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll       TypeFilter = ""
	FilterRecording TypeFilter = "recording"
	FilterChunk     TypeFilter = "chunk"
	FilterPipeline  TypeFilter = "pipeline"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

var filterTypes = map[TypeFilter][]EventType{
	FilterRecording: {RecordingStarted, RecordingStopped, RecordingError, RecordingEmpty},
	FilterChunk:     {ChunkQueued, ChunkUploaded, ChunkRetry, ChunkAbandoned, ChunkDropped},
	FilterPipeline:  {StageSucceeded, StageFailed, PipelineCompleted},
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	if f == FilterAll {
		return true
	}
	return slices.Contains(filterTypes[f], t)
}

// ReadLast returns up to n events newest first, skipping offset matching
// events. The second result reports whether older matching events remain.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var matched []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue // Skip malformed lines
		}
		if filter.Matches(event.Type) {
			matched = append(matched, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	slices.Reverse(matched)
	if offset >= len(matched) {
		return []Event{}, false, nil
	}
	matched = matched[max(offset, 0):]
	if len(matched) > n {
		return matched[:n], true, nil
	}
	return matched, false, nil
}
