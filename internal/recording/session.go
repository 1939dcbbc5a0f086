package recording

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// transitions lists the allowed moves of the chunk-cut loop.
var transitions = map[types.LoopState][]types.LoopState{
	types.StateIdle:     {types.StateCutting},
	types.StateCutting:  {types.StateStopping, types.StateStopped},
	types.StateStopping: {types.StateStopped},
}

// Session is the state of exactly one recording.
// It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	recordingID      string
	meetingSessionID string
	chunkNumber      int
	stopRequested    bool
	state            types.LoopState
	startedAt        time.Time
	err              error
}

// NewSession returns an idle session for a recording.
func NewSession(recordingID, meetingSessionID string) *Session {
	return &Session{
		recordingID:      recordingID,
		meetingSessionID: meetingSessionID,
		state:            types.StateIdle,
	}
}

// RecordingID returns the recording identifier.
func (s *Session) RecordingID() string { return s.recordingID }

// MeetingSessionID returns the target meeting session.
func (s *Session) MeetingSessionID() string { return s.meetingSessionID }

// NextChunkNumber returns the number for the next chunk and advances the counter.
func (s *Session) NextChunkNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.chunkNumber
	s.chunkNumber++
	return n
}

// ChunkCount returns how many chunk numbers were handed out.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkNumber
}

// State returns the loop state.
func (s *Session) State() types.LoopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session entered cutting.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Err returns the error that ended the capture, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RequestStop sets the stop flag and moves cutting to stopping.
// It reports false when the session was not cutting.
func (s *Session) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateCutting {
		return false
	}
	s.stopRequested = true
	s.state = types.StateStopping
	return true
}

// StopRequested reports whether RequestStop succeeded.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// IsRecording reports whether audio is being cut into chunks.
func (s *Session) IsRecording() bool {
	return s.State() == types.StateCutting
}

func (s *Session) transition(to types.LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to types.LoopState) error {
	if !slices.Contains(transitions[s.state], to) {
		return fmt.Errorf("invalid loop transition %s -> %s", s.state, to)
	}
	s.state = to
	if to == types.StateCutting {
		s.startedAt = time.Now()
	}
	return nil
}

// fail ends a cutting session with err. It refuses when a stop was
// requested first.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateCutting {
		return fmt.Errorf("cannot fail session in state %s", s.state)
	}
	s.state = types.StateStopped
	s.err = err
	return nil
}
