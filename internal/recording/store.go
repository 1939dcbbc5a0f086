package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// MaxStoredPipelines is the number of finalization records kept on disk.
const MaxStoredPipelines = 50

// pipelineFile is the store file name inside the state directory.
const pipelineFile = "pipelines.json"

// PipelineStore persists finalization records as a JSON file.
// It is safe for concurrent use.
type PipelineStore struct {
	mu        sync.Mutex
	path      string
	pipelines []*types.PipelineStatus // newest first
}

// OpenPipelineStore loads the store in stateDir, creating the directory when needed.
// An empty stateDir keeps records in memory only.
func OpenPipelineStore(stateDir string) (*PipelineStore, error) {
	s := &PipelineStore{}
	if stateDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, util.WrapError("create state directory", err)
	}
	s.path = filepath.Join(stateDir, pipelineFile)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, util.WrapError("read pipeline store", err)
	}
	if err := json.Unmarshal(data, &s.pipelines); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return s, nil
}

// Create adds a record with every stage pending.
func (s *PipelineStore) Create(recordingID, meetingSessionID string, chunkCount int) (types.PipelineStatus, error) {
	now := time.Now().UTC()
	p := &types.PipelineStatus{
		RecordingID:      recordingID,
		MeetingSessionID: meetingSessionID,
		ChunkCount:       chunkCount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, st := range types.Stages {
		p.Stages = append(p.Stages, types.StageStatus{Stage: st, State: types.StagePending})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines = slices.DeleteFunc(s.pipelines, func(x *types.PipelineStatus) bool {
		return x.RecordingID == recordingID
	})
	s.pipelines = slices.Insert(s.pipelines, 0, p)
	if len(s.pipelines) > MaxStoredPipelines {
		s.pipelines = s.pipelines[:MaxStoredPipelines]
	}
	return clonePipeline(p), s.saveLocked()
}

// Get returns a copy of the record of recordingID.
func (s *PipelineStore) Get(recordingID string) (types.PipelineStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(recordingID); p != nil {
		return clonePipeline(p), true
	}
	return types.PipelineStatus{}, false
}

// List returns copies of all records, newest first.
func (s *PipelineStore) List() []types.PipelineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PipelineStatus, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, clonePipeline(p))
	}
	return out
}

// Update applies fn to the record of recordingID and persists the result.
// When fn returns an error nothing is saved.
func (s *PipelineStore) Update(recordingID string, fn func(*types.PipelineStatus) error) (types.PipelineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(recordingID)
	if p == nil {
		return types.PipelineStatus{}, ErrPipelineNotFound
	}
	work := clonePipeline(p)
	if err := fn(&work); err != nil {
		return clonePipeline(p), err
	}
	work.UpdatedAt = time.Now().UTC()
	*p = work
	return clonePipeline(p), s.saveLocked()
}

func (s *PipelineStore) findLocked(recordingID string) *types.PipelineStatus {
	for _, p := range s.pipelines {
		if p.RecordingID == recordingID {
			return p
		}
	}
	return nil
}

// saveLocked writes the store through a temporary file and rename.
func (s *PipelineStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.pipelines, "", "  ")
	if err != nil {
		return util.WrapError("marshal pipelines", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return util.WrapError("write pipeline store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return util.WrapError("replace pipeline store", err)
	}
	return nil
}

func clonePipeline(p *types.PipelineStatus) types.PipelineStatus {
	c := *p
	c.Stages = slices.Clone(p.Stages)
	c.ActionItems = slices.Clone(p.ActionItems)
	return c
}
