package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/minutememo-recorder/internal/audio"
	"github.com/oszuidwest/minutememo-recorder/internal/config"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())
	return NewServer(ServerOptions{Config: cfg, EventLogPath: filepath.Join(t.TempDir(), "events.jsonl")})
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	ok := s.apiKeyAuth(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	call := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/recording/status", http.NoBody)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		ok(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, call("anything"), "no key configured")

	require.NoError(t, s.config.SetAPIKey("secret-key"))
	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("wrong"))
	assert.Equal(t, http.StatusNoContent, call("secret-key"))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{recording.ErrAlreadyRecording, http.StatusConflict},
		{recording.ErrNotRecording, http.StatusConflict},
		{recording.ErrStageRunning, http.StatusConflict},
		{recording.ErrMissingTarget, http.StatusBadRequest},
		{recording.ErrPipelineNotFound, http.StatusNotFound},
		{audio.ClassifyCaptureError("Permission denied"), http.StatusServiceUnavailable},
		{&recording.RegistrationError{Err: errors.New("500")}, http.StatusBadGateway},
		{&recording.StageError{Stage: types.StageTranscribe, Err: errors.New("502")}, http.StatusBadGateway},
		{fmt.Errorf("start: %w", recording.ErrMissingTarget), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t).SetupRoutes()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusFound},
		{http.MethodGet, "/app.js", http.StatusFound},
		{http.MethodGet, "/style.css", http.StatusOK},
		{http.MethodGet, "/favicon.svg", http.StatusOK},
		{http.MethodGet, "/login", http.StatusOK},
		{http.MethodGet, "/api/recording/status", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/recording/start", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		})
	}
}

func TestLoginPageCarriesCSRFToken(t *testing.T) {
	h := newTestServer(t).SetupRoutes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="csrf_token" value="`)
	assert.NotContains(t, body, `value=""`)
}

func TestLoginRejectsMissingCSRFToken(t *testing.T) {
	h := newTestServer(t).SetupRoutes()

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=admin&password=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
