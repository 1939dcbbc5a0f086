// Package notify delivers webhook notifications about finished recordings.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// AppName is the application name used in notifications.
const AppName = "MinuteMemo Recorder"

// webhookTimeout bounds a single delivery.
const webhookTimeout = 10 * time.Second

// StageResult is the outcome of one stage in a webhook payload.
type StageResult struct {
	Stage string `json:"stage"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event            string        `json:"event"`
	RecordingID      string        `json:"recording_id,omitempty"`
	MeetingSessionID string        `json:"meeting_session_id,omitempty"`
	ChunkCount       int           `json:"chunk_count,omitempty"`
	FileURL          string        `json:"file_url,omitempty"`
	ShortSummary     string        `json:"short_summary,omitempty"`
	ActionItems      int           `json:"action_items,omitempty"`
	Stages           []StageResult `json:"stages,omitempty"`
	Message          string        `json:"message,omitempty"`
	Timestamp        string        `json:"timestamp"`
}

// PipelinePayload builds the payload for a finished finalization run.
func PipelinePayload(p *types.PipelineStatus) *WebhookPayload {
	event := "pipeline_completed"
	stages := make([]StageResult, 0, len(p.Stages))
	for _, st := range p.Stages {
		if st.State == types.StageFailed {
			event = "pipeline_failed"
		}
		stages = append(stages, StageResult{Stage: string(st.Stage), State: string(st.State), Error: st.Error})
	}
	return &WebhookPayload{
		Event:            event,
		RecordingID:      p.RecordingID,
		MeetingSessionID: p.MeetingSessionID,
		ChunkCount:       p.ChunkCount,
		FileURL:          p.FileURL,
		ShortSummary:     p.ShortSummary,
		ActionItems:      len(p.ActionItems),
		Stages:           stages,
		Timestamp:        timestampUTC(),
	}
}

// SendPipelineWebhook notifies the configured webhook of a finished finalization.
func SendPipelineWebhook(webhookURL string, p *types.PipelineStatus) error {
	return sendWebhook(webhookURL, PipelinePayload(p))
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     "test",
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
