package server

import (
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
)

// Request types for WebSocket commands and REST endpoints. Validation uses
// go-playground/validator struct tags.

// StartRecordingRequest is the request body for recording/start.
// A recording targets an existing meeting session, or a new meeting created
// in a hub.
type StartRecordingRequest struct {
	MeetingSessionID string `json:"meeting_session_id" validate:"required_without=HubID,excluded_with=HubID,max=64"`
	HubID            string `json:"hub_id" validate:"omitempty,numeric,max=20"`
	MeetingName      string `json:"meeting_name" validate:"required_with=HubID,max=200"`
}

// Target returns the recording target described by the request.
func (r *StartRecordingRequest) Target() recording.Target {
	return recording.Target{
		MeetingSessionID: r.MeetingSessionID,
		HubID:            r.HubID,
		MeetingName:      r.MeetingName,
	}
}

// RetryStageRequest is the request body for pipeline/retry.
type RetryStageRequest struct {
	RecordingID string `json:"recording_id" validate:"required,max=64"`
	Stage       string `json:"stage" validate:"required,oneof=concatenate persist_audio transcribe summarize extract_action_items"`
}

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Input string `json:"input" validate:"omitempty,max=256"`
}

// FinalizeUpdateRequest is the request body for finalize/update.
type FinalizeUpdateRequest struct {
	ManualStages *bool `json:"manual_stages" validate:"required"`
}

// EventsViewRequest is the request body for events/view.
type EventsViewRequest struct {
	Filter string `json:"filter" validate:"omitempty,oneof=recording chunk pipeline"`
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
}
