package recording

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

func newTestPipeline(t *testing.T, opts PipelineOptions) (*fakeServer, *Pipeline) {
	t.Helper()
	fs, client := newFakeServer(t)
	store, err := OpenPipelineStore(t.TempDir())
	require.NoError(t, err)
	return fs, NewPipeline(client, store, NewMetrics(prometheus.NewRegistry()), nil, opts)
}

func newHookServer(t *testing.T, events chan<- string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event string `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		events <- body.Event
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func stageStates(p types.PipelineStatus) map[types.Stage]types.StageState {
	out := map[types.Stage]types.StageState{}
	for _, s := range p.Stages {
		out[s.Stage] = s.State
	}
	return out
}

func TestPipelineRunsAllStages(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{Language: "nl"})
	_, err := p.Store().Create("r1", "9", 2)
	require.NoError(t, err)

	p.Run(context.Background(), "r1")

	got, ok := p.Store().Get("r1")
	require.True(t, ok)
	assert.True(t, got.Done())
	assert.Equal(t, "https://cdn.example/r1.wav", got.FileURL)
	assert.Equal(t, "https://cdn.example/r1.wav", fs.Patched("r1"))
	assert.Equal(t, []string{
		"POST /concatenate",
		"PATCH /api/recordings/r1",
		"POST /api/transcribe/9",
		"POST /api/sessions/9/summarize",
		"POST /api/extract_action_points/9",
	}, fs.Calls())
}

func TestPipelineConcatenateFailureEndsRun(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{})
	fs.Configure(func(fs *fakeServer) { fs.failStages["POST /concatenate"] = http.StatusInternalServerError })
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	p.Run(context.Background(), "r1")

	got, _ := p.Store().Get("r1")
	states := stageStates(got)
	assert.Equal(t, types.StageFailed, states[types.StageConcatenate])
	assert.Equal(t, types.StagePending, states[types.StagePersistAudio])
	assert.Equal(t, types.StagePending, states[types.StageTranscribe])
	assert.Equal(t, []string{"POST /concatenate"}, fs.Calls())
	assert.Contains(t, got.Stage(types.StageConcatenate).Error, "status 500")
}

func TestPipelineAIStagesAreIndependent(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{})
	fs.Configure(func(fs *fakeServer) { fs.failStages["POST /api/transcribe/9"] = http.StatusBadGateway })
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	p.Run(context.Background(), "r1")

	got, _ := p.Store().Get("r1")
	states := stageStates(got)
	assert.Equal(t, types.StageFailed, states[types.StageTranscribe])
	assert.Equal(t, types.StageSucceeded, states[types.StageSummarize])
	assert.Equal(t, types.StageSucceeded, states[types.StageExtractActionItems])
	assert.False(t, got.Done())
}

func TestPipelineRetrySingleStage(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{})
	fs.Configure(func(fs *fakeServer) { fs.failStages["POST /api/sessions/9/summarize"] = http.StatusInternalServerError })
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)
	p.Run(context.Background(), "r1")

	fs.Configure(func(fs *fakeServer) { delete(fs.failStages, "POST /api/sessions/9/summarize") })
	before := len(fs.Calls())
	require.NoError(t, p.RunStage(context.Background(), "r1", types.StageSummarize))

	assert.Equal(t, []string{"POST /api/sessions/9/summarize"}, fs.Calls()[before:])
	got, _ := p.Store().Get("r1")
	assert.True(t, got.Done())
	assert.Equal(t, 2, got.Stage(types.StageSummarize).Attempts)
	assert.Empty(t, got.Stage(types.StageSummarize).Error)
	assert.Equal(t, "long", got.LongSummary)
}

func TestPipelineStageErrorType(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{})
	fs.Configure(func(fs *fakeServer) { fs.failStages["POST /api/extract_action_points/9"] = http.StatusInternalServerError })
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	err = p.RunStage(context.Background(), "r1", types.StageExtractActionItems)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, types.StageExtractActionItems, stageErr.Stage)
}

func TestPersistAudioNeedsFileURL(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{})
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	err = p.RunStage(context.Background(), "r1", types.StagePersistAudio)
	assert.ErrorIs(t, err, errNoFileURL)
	assert.Empty(t, fs.Calls())
}

func TestPipelineManualStages(t *testing.T) {
	fs, p := newTestPipeline(t, PipelineOptions{ManualStages: true})
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	p.Run(context.Background(), "r1")

	got, _ := p.Store().Get("r1")
	states := stageStates(got)
	assert.Equal(t, types.StageSucceeded, states[types.StagePersistAudio])
	assert.Equal(t, types.StagePending, states[types.StageTranscribe])
	assert.Len(t, fs.Calls(), 2)
}

func TestPipelineUnknownRecording(t *testing.T) {
	_, p := newTestPipeline(t, PipelineOptions{})
	assert.ErrorIs(t, p.RunStage(context.Background(), "nope", types.StageConcatenate), ErrPipelineNotFound)
}

func TestPipelineWebhook(t *testing.T) {
	hooks := make(chan string, 1)
	hookSrv := newHookServer(t, hooks)
	_, p := newTestPipeline(t, PipelineOptions{WebhookURL: hookSrv})
	_, err := p.Store().Create("r1", "9", 1)
	require.NoError(t, err)

	p.Run(context.Background(), "r1")

	select {
	case event := <-hooks:
		assert.Equal(t, "pipeline_completed", event)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRecorderRetryStage(t *testing.T) {
	rig := newTestRig(t, PipelineOptions{ManualStages: true})
	ctx := context.Background()
	require.NoError(t, rig.rec.Start(ctx, Target{MeetingSessionID: "s1"}))
	rig.mic.Feed(t, testChunk)
	require.NoError(t, rig.rec.Stop(ctx))
	rig.finish(t)

	id := rig.rec.Status().RecordingID
	assert.ErrorIs(t, rig.rec.RetryStage("missing", types.StageTranscribe), ErrPipelineNotFound)
	require.NoError(t, rig.rec.RetryStage(id, types.StageTranscribe))
	rig.finish(t)

	p, err := rig.rec.Pipeline(id)
	require.NoError(t, err)
	assert.Equal(t, types.StageSucceeded, p.Stage(types.StageTranscribe).State)
	assert.Equal(t, types.StagePending, p.Stage(types.StageSummarize).State)
	assert.Equal(t, 1, rig.server.Count("POST /api/transcribe/s1"))
}
