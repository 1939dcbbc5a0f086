package recording

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// fakeServer is an in-memory backend that records every request.
type fakeServer struct {
	mu            sync.Mutex
	calls         []string
	chunks        []int
	registrations []map[string]any
	patched       map[string]string
	meetings      []map[string]any

	registerStatus int
	uploadFailures int // fail this many uploads with 503 before accepting
	failStages     map[string]int
}

func newFakeServer(t *testing.T) (*fakeServer, *backend.Client) {
	t.Helper()
	fs := &fakeServer{
		registerStatus: http.StatusCreated,
		patched:        map[string]string{},
		failStages:     map[string]int{},
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	c, err := backend.New(backend.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return fs, c
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	call := r.Method + " " + r.URL.Path
	fs.calls = append(fs.calls, call)

	if status, ok := fs.failStages[call]; ok {
		http.Error(w, "stage failure", status)
		return
	}

	switch {
	case call == "POST /api/meetings":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.meetings = append(fs.meetings, body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"meeting_session_id": 77}`)

	case call == "POST /api/recordings":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.registrations = append(fs.registrations, body)
		w.WriteHeader(fs.registerStatus)

	case call == "POST /upload_chunk":
		if fs.uploadFailures > 0 {
			fs.uploadFailures--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := strconv.Atoi(r.FormValue("chunk_number"))
		fs.chunks = append(fs.chunks, n)

	case call == "POST /concatenate":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"file_url": "https://cdn.example/" + body["recording_id"] + ".wav"})

	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/api/recordings/"):
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.patched[strings.TrimPrefix(r.URL.Path, "/api/recordings/")] = body["audio_url"]

	case strings.HasPrefix(call, "POST /api/transcribe/"):
		_, _ = io.WriteString(w, `{"transcription":"hello world"}`)

	case strings.HasSuffix(call, "/summarize"):
		_, _ = io.WriteString(w, `{"short_summary":"short","long_summary":"long"}`)

	case strings.HasPrefix(call, "POST /api/extract_action_points/"):
		_, _ = io.WriteString(w, `{"action_items":[{"id":1,"title":"Send minutes"}]}`)

	default:
		http.NotFound(w, r)
	}
}

// Configure changes the server behaviour under its lock.
func (fs *fakeServer) Configure(fn func(*fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(fs)
}

func (fs *fakeServer) Calls() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.calls...)
}

func (fs *fakeServer) Count(call string) int {
	n := 0
	for _, c := range fs.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (fs *fakeServer) Registrations() []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]map[string]any(nil), fs.registrations...)
}

func (fs *fakeServer) Meetings() []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]map[string]any(nil), fs.meetings...)
}

func (fs *fakeServer) Patched(recordingID string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.patched[recordingID]
}

func (fs *fakeServer) Chunks() []int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]int(nil), fs.chunks...)
}

// fakeMic hands out in-memory streams. Tests write PCM with Feed.
type fakeMic struct {
	mu     sync.Mutex
	err    error
	opened int
	writer *io.PipeWriter
}

func (m *fakeMic) Open(context.Context) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	if m.err != nil {
		return nil, m.err
	}
	pr, pw := io.Pipe()
	m.writer = pw
	return pr, nil
}

func (m *fakeMic) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Feed writes d of silence into the open stream.
func (m *fakeMic) Feed(t *testing.T, d time.Duration) {
	t.Helper()
	m.mu.Lock()
	w := m.writer
	m.mu.Unlock()
	require.NotNil(t, w, "microphone not opened")
	_, err := w.Write(make([]byte, types.PCMBytes(d)))
	require.NoError(t, err)
}

// Fail ends the open stream with err.
func (m *fakeMic) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.writer.CloseWithError(err)
}

// Test chunks are 100ms so that tests feed small amounts of PCM.
const (
	testChunk = 100 * time.Millisecond
	testTail  = 50 * time.Millisecond
)

type testRig struct {
	server *fakeServer
	mic    *fakeMic
	rec    *Recorder
	store  *PipelineStore
	events string
}

func newTestRig(t *testing.T, popts PipelineOptions) *testRig {
	t.Helper()
	fs, client := newFakeServer(t)
	store, err := OpenPipelineStore(t.TempDir())
	require.NoError(t, err)

	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(eventsPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	pipeline := NewPipeline(client, store, metrics, nil, popts)
	mic := &fakeMic{}
	rec := NewRecorder(client, mic, pipeline, metrics, events, Options{
		Codec:         types.CodecWAV,
		ChunkDuration: testChunk,
		MinTail:       testTail,
		Upload: UploadOptions{
			Workers:        1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			SpoolDir:       t.TempDir(),
		},
	})
	return &testRig{server: fs, mic: mic, rec: rec, store: store, events: eventsPath}
}

// finish waits for all background finalization of the rig.
func (rig *testRig) finish(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rig.rec.Shutdown(ctx))
}

var errTest = errors.New("test failure")
