// Package main provides the MinuteMemo recorder: it captures meeting audio
// in chunks, uploads them to the MinuteMemo backend and finalizes stopped
// recordings into a transcription, summaries and action items.
//
// Usage:
//
//	minutememo-recorder [-config path/to/config.json] [-debug]
//
// If -config is not specified, the recorder looks for config.json in the same
// directory as the binary.
package main

import (
	"cmp"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oszuidwest/minutememo-recorder/internal/audio"
	"github.com/oszuidwest/minutememo-recorder/internal/backend"
	"github.com/oszuidwest/minutememo-recorder/internal/config"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/server"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
	"github.com/oszuidwest/minutememo-recorder/internal/visualizer"
)

// configMic opens the input device currently selected in the config, so a
// device change applies to the next recording without a restart.
type configMic struct {
	cfg        *config.Config
	ffmpegPath string
}

func (m *configMic) Open(ctx context.Context) (io.ReadCloser, error) {
	c := &audio.Capture{Device: m.cfg.AudioInput(), FFmpegPath: m.ffmpegPath}
	return c.Open(ctx)
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	// Check FFmpeg availability
	ffmpegPath := util.ResolveFFmpegPath(cfg.FFmpegPath())
	ffmpegAvailable := ffmpegPath != ""
	if !ffmpegAvailable {
		slog.Warn("FFmpeg not found - chunks are uploaded as WAV",
			"configured_path", cfg.FFmpegPath())
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}

	client, err := backend.New(backend.Options{
		BaseURL:      snap.BackendURL,
		Email:        snap.BackendEmail,
		Password:     snap.BackendPass,
		Timeout:      snap.BackendTimeout,
		TokenURL:     snap.TokenURL,
		ClientID:     snap.ClientID,
		ClientSecret: snap.ClientSecret,
		Scopes:       snap.Scopes,
	})
	if err != nil {
		slog.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}
	if snap.HasBackendLogin() {
		loginCtx, cancel := context.WithTimeout(context.Background(), snap.BackendTimeout)
		if err := client.Login(loginCtx); err != nil {
			// The client logs in again on the first 401.
			slog.Warn("backend login failed", "url", client.BaseURL(), "error", err)
		}
		cancel()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := recording.NewMetrics(registry)

	logPath := cmp.Or(snap.EventLogPath, eventlog.DefaultLogPath(snap.WebPort))
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		slog.Warn("event log disabled", "path", logPath, "error", err)
	}

	store, err := recording.OpenPipelineStore(snap.StateDir)
	if err != nil {
		slog.Error("failed to open pipeline store", "dir", snap.StateDir, "error", err)
		os.Exit(1)
	}
	pipeline := recording.NewPipeline(client, store, metrics, events, recording.PipelineOptions{
		Language:     snap.Language,
		ManualStages: snap.ManualStages,
		WebhookURL:   snap.WebhookURL,
	})

	var archive *recording.Archive
	if snap.HasArchive() {
		archive = recording.NewArchive(&recording.S3Config{
			Endpoint:        snap.ArchiveEndpoint,
			Bucket:          snap.ArchiveBucket,
			AccessKeyID:     snap.ArchiveAccessKey,
			SecretAccessKey: snap.ArchiveSecretKey,
			Prefix:          snap.ArchivePrefix,
		})
		slog.Info("chunk archive enabled", "bucket", snap.ArchiveBucket)
	}

	vis := visualizer.New(visualizer.DefaultFrameInterval)
	hub := server.NewStatusHub()

	rec := recording.NewRecorder(client, &configMic{cfg: cfg, ffmpegPath: ffmpegPath}, pipeline, metrics, events, recording.Options{
		Codec:         snap.Codec,
		FFmpegPath:    ffmpegPath,
		ChunkDuration: snap.ChunkDuration,
		MinTail:       snap.MinTail,
		Upload: recording.UploadOptions{
			Workers:        snap.UploadWorkers,
			QueueSize:      snap.UploadQueue,
			MaxAttempts:    snap.UploadAttempts,
			InitialBackoff: snap.InitialBackoff,
			MaxBackoff:     snap.MaxBackoff,
			SpoolDir:       snap.SpoolDir,
		},
		Archive:  archive,
		OnChange: hub.Notify,
		OnStart: func(a *audio.Analyser) {
			if a != nil {
				vis.Attach(a)
			}
		},
	})
	slog.Info("recorder ready", "codec", rec.Codec(), "chunk_duration", snap.ChunkDuration)

	version := NewVersionChecker("")
	version.Start()

	srv := NewServer(ServerOptions{
		Config:          cfg,
		Recorder:        rec,
		Visualizer:      vis,
		Hub:             hub,
		Version:         version,
		Registry:        registry,
		EventLogPath:    logPath,
		FFmpegAvailable: ffmpegAvailable,
	})

	// Start web server.
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	// Stop version checker goroutine
	version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stops an active recording and waits for its chunks and pipeline.
	if err := rec.Shutdown(shutdownCtx); err != nil {
		slog.Error("recorder shutdown incomplete", "error", err)
	}
	vis.Detach()

	if events != nil {
		if err := events.Close(); err != nil {
			slog.Error("failed to close event log", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
