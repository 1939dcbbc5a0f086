package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPipelineWebhook(t *testing.T) {
	got := make(chan WebhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
	}))
	defer srv.Close()

	status := &types.PipelineStatus{
		RecordingID: "r1",
		ChunkCount:  2,
		FileURL:     "https://cdn/r1.webm",
		Stages: []types.StageStatus{
			{Stage: types.StageConcatenate, State: types.StageSucceeded},
			{Stage: types.StageTranscribe, State: types.StageFailed, Error: "timeout"},
		},
	}
	require.NoError(t, SendPipelineWebhook(srv.URL, status))

	p := <-got
	assert.Equal(t, "pipeline_failed", p.Event)
	assert.Equal(t, "r1", p.RecordingID)
	assert.Equal(t, 2, p.ChunkCount)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "timeout", p.Stages[1].Error)
	assert.NotEmpty(t, p.Timestamp)
}

func TestPipelinePayloadCompleted(t *testing.T) {
	p := PipelinePayload(&types.PipelineStatus{Stages: []types.StageStatus{{Stage: types.StageConcatenate, State: types.StageSucceeded}}})
	assert.Equal(t, "pipeline_completed", p.Event)
}

func TestSendWebhookSkipsWhenUnconfigured(t *testing.T) {
	assert.NoError(t, SendPipelineWebhook("", &types.PipelineStatus{}))
	assert.Error(t, SendTestWebhook(""))
}

func TestSendWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	assert.ErrorContains(t, SendTestWebhook(srv.URL), "status 502")
}
