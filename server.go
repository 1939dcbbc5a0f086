package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/minutememo-recorder/internal/config"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/server"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/visualizer"
)

var loginTmpl = template.Must(template.New("login").Parse(loginHTML))
var indexTmpl = template.Must(template.New("index").Parse(indexHTML))

// pageData is rendered into the login and index templates.
type pageData struct {
	Error     bool
	CSRFToken string
	Version   string
	Year      int
}

// Server is an HTTP server that provides the web interface and REST API of the recorder.
type Server struct {
	config          *config.Config
	recorder        *recording.Recorder
	visualizer      *visualizer.Visualizer
	hub             *server.StatusHub
	sessions        *server.SessionManager
	commands        *server.CommandHandler
	version         *VersionChecker
	registry        *prometheus.Registry
	eventLogPath    string
	ffmpegAvailable bool
}

// ServerOptions holds the collaborators of a Server.
type ServerOptions struct {
	Config          *config.Config
	Recorder        *recording.Recorder
	Visualizer      *visualizer.Visualizer
	Hub             *server.StatusHub
	Version         *VersionChecker
	Registry        *prometheus.Registry
	EventLogPath    string
	FFmpegAvailable bool
}

// NewServer returns a new Server.
func NewServer(opts ServerOptions) *Server {
	if opts.Version == nil {
		opts.Version = NewVersionChecker("")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Hub == nil {
		opts.Hub = server.NewStatusHub()
	}
	return &Server{
		config:          opts.Config,
		recorder:        opts.Recorder,
		visualizer:      opts.Visualizer,
		hub:             opts.Hub,
		sessions:        server.NewSessionManager(),
		commands:        server.NewCommandHandler(opts.Config, opts.Recorder, opts.EventLogPath),
		version:         opts.Version,
		registry:        opts.Registry,
		eventLogPath:    opts.EventLogPath,
		ffmpegAvailable: opts.FFmpegAvailable,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop sends status on change and every 3s, and forwards
// visualizer frames. Frames are dropped rather than queued when the client
// is slow.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	statusTicker := time.NewTicker(3000 * time.Millisecond)
	defer statusTicker.Stop()

	changes, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	var frames <-chan types.WSSpectrumResponse
	if s.visualizer != nil {
		var stopFrames func()
		frames, stopFrames = s.visualizer.Subscribe()
		defer stopFrames()
	}

	// The send channel is closed by the loop only, after the reader is done
	// or a send failed.
	defer close(send)

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildWSStatus()) {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-statusUpdate:
			if !trySend(s.buildWSStatus()) {
				return
			}
		case <-changes:
			if !trySend(s.buildWSStatus()) {
				return
			}
		case <-statusTicker.C:
			if !trySend(s.buildWSStatus()) {
				return
			}
		case frame := <-frames:
			select {
			case send <- frame:
			case <-done:
				return
			default:
			}
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	cfg := s.config.Snapshot()
	return types.WSStatusResponse{
		Type:            "status",
		FFmpegAvailable: s.ffmpegAvailable,
		Recorder:        s.recorder.Status(),
		Pipelines:       s.recorder.Pipelines(),
		ManualStages:    s.recorder.ManualStages(),
		AudioInput:      cfg.AudioInput,
		Platform:        runtime.GOOS,
		Version:         s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.sessions.AuthMiddleware()

	// Public routes (no auth required)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/style.css", s.handlePublicStatic)
	mux.HandleFunc("/favicon.svg", s.handlePublicStatic)

	// REST control (API key auth)
	mux.HandleFunc("POST /api/recording/start", s.apiKeyAuth(s.handleAPIStartRecording))
	mux.HandleFunc("POST /api/recording/stop", s.apiKeyAuth(s.handleAPIStopRecording))
	mux.HandleFunc("GET /api/recording/status", s.apiKeyAuth(s.handleAPIRecordingStatus))
	mux.HandleFunc("GET /api/pipelines", s.apiKeyAuth(s.handleAPIListPipelines))
	mux.HandleFunc("GET /api/pipelines/{id}", s.apiKeyAuth(s.handleAPIGetPipeline))
	mux.HandleFunc("POST /api/pipelines/{id}/stages/{stage}/retry", s.apiKeyAuth(s.handleAPIRetryStage))
	mux.HandleFunc("GET /api/devices", s.apiKeyAuth(s.handleAPIDevices))
	mux.HandleFunc("GET /api/events", s.apiKeyAuth(s.handleAPIEvents))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Protected routes
	mux.HandleFunc("/ws", auth(s.handleWebSocket))
	mux.HandleFunc("/", auth(s.handleStatic))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// handlePublicStatic handles requests for static files without authentication.
func (s *Server) handlePublicStatic(w http.ResponseWriter, r *http.Request) {
	if !serveStaticFile(w, r.URL.Path) {
		http.NotFound(w, r)
	}
}

// serveStaticFile serves a static file by path and reports whether it was found.
func serveStaticFile(w http.ResponseWriter, path string) bool {
	file, ok := staticFiles[path]
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", file.contentType)
	if _, err := w.Write([]byte(file.content)); err != nil {
		slog.Error("failed to write static file", "file", file.name, "error", err)
	}
	return true
}

// handleLogin handles login page display and form submission.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Authenticated(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	data := pageData{
		Version:   Version,
		Year:      time.Now().Year(),
		CSRFToken: s.sessions.CreateCSRFToken(),
	}

	if r.Method == http.MethodPost {
		if !s.sessions.ValidateCSRFToken(r.FormValue("csrf_token")) {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		cfg := s.config.Snapshot()
		if s.sessions.Login(w, r, r.FormValue("username"), r.FormValue("password"), cfg.WebUser, cfg.WebPassword) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		slog.Warn("failed login attempt", "remote_addr", r.RemoteAddr)
		data.Error = true
	}

	w.Header().Set("Content-Type", "text/html")
	if err := loginTmpl.Execute(w, data); err != nil {
		slog.Error("failed to render login page", "error", err)
	}
}

// handleLogout handles user logout requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleStatic handles requests for embedded static web interface files.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" || path == "/index.html" {
		w.Header().Set("Content-Type", "text/html")
		if err := indexTmpl.Execute(w, pageData{Version: Version, Year: time.Now().Year()}); err != nil {
			slog.Error("failed to write index.html", "error", err)
		}
		return
	}

	if serveStaticFile(w, path) {
		return
	}
	http.NotFound(w, r)
}

// apiKeyAuth returns middleware for API key authentication.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.APIKey()
		if apiKey == "" {
			s.writeError(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
