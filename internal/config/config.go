// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultWebUsername      = "admin"
	DefaultWebPassword      = "recorder"
	DefaultBackendURL       = "http://localhost:5000"
	DefaultCodec            = types.CodecWebM
	DefaultChunkDurationMs  = 5000
	DefaultMinTailMs        = 1000
	DefaultBackendTimeoutMs = 30000
	DefaultUploadWorkers    = 2
	DefaultUploadQueueSize  = 64
	DefaultUploadAttempts   = 4
	DefaultInitialBackoffMs = 1000
	DefaultMaxBackoffMs     = 15000
	DefaultArchivePrefix    = "chunks"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath string `json:"ffmpeg_path"`                                 // Path to FFmpeg binary (empty = use PATH)
	Port       int    `json:"port" validate:"gte=1,lte=65535"`             // HTTP server port
	Username   string `json:"username" validate:"required,max=64"`         // Login username
	Password   string `json:"password" validate:"required,min=6,max=256"` // Login password
}

// AudioConfig holds capture and chunking settings.
type AudioConfig struct {
	Input           string      `json:"input"`                                                 // Audio input device identifier
	Codec           types.Codec `json:"codec" validate:"omitempty,oneof=webm ogg mp3 wav"`     // Chunk encoding
	ChunkDurationMs int         `json:"chunk_duration_ms" validate:"omitempty,gte=1000,lte=60000"` // Length of one chunk
	MinTailMs       int         `json:"min_tail_ms" validate:"omitempty,gte=0,lte=60000"`      // Shortest trailing chunk that is still uploaded
}

// BackendConfig holds the MinuteMemo REST backend settings.
type BackendConfig struct {
	URL          string   `json:"url" validate:"required,url"`                         // Base URL of the backend
	Email        string   `json:"email" validate:"omitempty,email"`                    // Login account (empty = no login)
	Password     string   `json:"password" validate:"required_with=Email,max=256"`     // Login password
	Language     string   `json:"language" validate:"omitempty,max=16"`                // Transcription language hint
	TimeoutMs    int      `json:"timeout_ms" validate:"omitempty,gte=1000,lte=600000"` // Per-request timeout
	TokenURL     string   `json:"token_url" validate:"omitempty,url"`                  // OAuth2 token endpoint (optional)
	ClientID     string   `json:"client_id" validate:"required_with=TokenURL"`         // OAuth2 client ID
	ClientSecret string   `json:"client_secret" validate:"required_with=TokenURL"`     // OAuth2 client secret
	Scopes       []string `json:"scopes,omitempty"`                                    // OAuth2 scopes
}

// UploadConfig holds chunk upload queue settings.
type UploadConfig struct {
	Concurrency      int    `json:"concurrency" validate:"omitempty,gte=1,lte=16"`
	QueueSize        int    `json:"queue_size" validate:"omitempty,gte=1,lte=4096"`
	MaxAttempts      int    `json:"max_attempts" validate:"omitempty,gte=1,lte=50"`
	InitialBackoffMs int    `json:"initial_backoff_ms" validate:"omitempty,gte=10,lte=600000"`
	MaxBackoffMs     int    `json:"max_backoff_ms" validate:"omitempty,gte=10,lte=3600000"`
	SpoolDir         string `json:"spool_dir"` // Encoded chunks awaiting upload
}

// ArchiveConfig holds the optional S3-compatible chunk archive settings.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url"` // Custom S3 endpoint (empty for AWS)
	Bucket          string `json:"bucket" validate:"omitempty,max=63"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Prefix          string `json:"prefix" validate:"omitempty,max=512"`
}

// FinalizeConfig holds finalization pipeline settings.
type FinalizeConfig struct {
	ManualStages bool   `json:"manual_stages"` // Only concatenate and persist automatically
	StateDir     string `json:"state_dir"`     // Directory for the pipeline store
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url"` // Webhook URL for finalization results
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"`
}

// APIConfig holds REST control settings.
type APIConfig struct {
	APIKey string `json:"api_key"` // API key for REST control (empty = disabled)
}

// LogConfig holds event log settings.
type LogConfig struct {
	EventLogPath string `json:"event_log_path"` // JSON lines event log (empty = platform default)
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Audio         AudioConfig         `json:"audio"`
	Backend       BackendConfig       `json:"backend"`
	Upload        UploadConfig        `json:"upload"`
	Archive       ArchiveConfig       `json:"archive"`
	Finalize      FinalizeConfig      `json:"finalize"`
	Notifications NotificationsConfig `json:"notifications"`
	API           APIConfig           `json:"api"`
	Log           LogConfig           `json:"log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			Port:     DefaultWebPort,
			Username: DefaultWebUsername,
			Password: DefaultWebPassword,
		},
		Audio: AudioConfig{
			Codec:           DefaultCodec,
			ChunkDurationMs: DefaultChunkDurationMs,
			MinTailMs:       DefaultMinTailMs,
		},
		Backend: BackendConfig{
			URL: DefaultBackendURL,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid %s %v: failed %q", strings.TrimPrefix(e.Namespace(), "Config."), e.Value(), e.Tag())
		}
		return util.WrapError("validate config", err)
	}
	for field, p := range map[string]string{
		"upload.spool_dir":   c.Upload.SpoolDir,
		"finalize.state_dir": c.Finalize.StateDir,
		"log.event_log_path": c.Log.EventLogPath,
	} {
		if p == "" {
			continue
		}
		if err := util.ValidatePath(field, p); err != nil {
			return err
		}
	}
	if c.Upload.MaxBackoffMs != 0 && c.Upload.MaxBackoffMs < c.Upload.InitialBackoffMs {
		return fmt.Errorf("invalid upload.max_backoff_ms: must not be below initial_backoff_ms")
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.System.Username == "" {
		c.System.Username = DefaultWebUsername
	}
	if c.System.Password == "" {
		c.System.Password = DefaultWebPassword
	}
	if c.Audio.Codec == "" {
		c.Audio.Codec = DefaultCodec
	}
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Getters for individual settings ---

// AudioInput returns the configured audio input device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// FFmpegPath returns the configured FFmpeg binary path.
func (c *Config) FFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.FFmpegPath
}

// APIKey returns the API key for the REST control endpoints.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API.APIKey
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// SetManualStages switches between chained and manual finalization and saves the configuration.
func (c *Config) SetManualStages(manual bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Finalize.ManualStages = manual
	return c.saveLocked()
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.API.APIKey = key
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	FFmpegPath  string
	WebPort     int
	WebUser     string
	WebPassword string

	// Audio
	AudioInput    string
	Codec         types.Codec
	ChunkDuration time.Duration
	MinTail       time.Duration

	// Backend
	BackendURL     string
	BackendEmail   string
	BackendPass    string
	Language       string
	BackendTimeout time.Duration
	TokenURL       string
	ClientID       string
	ClientSecret   string
	Scopes         []string

	// Upload
	UploadWorkers  int
	UploadQueue    int
	UploadAttempts int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SpoolDir       string

	// Archive
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePrefix    string

	// Finalize
	ManualStages bool
	StateDir     string

	// Notifications
	WebhookURL string

	// API
	APIKey string

	// Log
	EventLogPath string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		FFmpegPath:  c.System.FFmpegPath,
		WebPort:     c.System.Port,
		WebUser:     c.System.Username,
		WebPassword: c.System.Password,

		AudioInput:    c.Audio.Input,
		Codec:         cmp.Or(c.Audio.Codec, DefaultCodec),
		ChunkDuration: time.Duration(cmp.Or(c.Audio.ChunkDurationMs, DefaultChunkDurationMs)) * time.Millisecond,
		MinTail:       time.Duration(cmp.Or(c.Audio.MinTailMs, DefaultMinTailMs)) * time.Millisecond,

		BackendURL:     c.Backend.URL,
		BackendEmail:   c.Backend.Email,
		BackendPass:    c.Backend.Password,
		Language:       c.Backend.Language,
		BackendTimeout: time.Duration(cmp.Or(c.Backend.TimeoutMs, DefaultBackendTimeoutMs)) * time.Millisecond,
		TokenURL:       c.Backend.TokenURL,
		ClientID:       c.Backend.ClientID,
		ClientSecret:   c.Backend.ClientSecret,
		Scopes:         append([]string(nil), c.Backend.Scopes...),

		UploadWorkers:  cmp.Or(c.Upload.Concurrency, DefaultUploadWorkers),
		UploadQueue:    cmp.Or(c.Upload.QueueSize, DefaultUploadQueueSize),
		UploadAttempts: cmp.Or(c.Upload.MaxAttempts, DefaultUploadAttempts),
		InitialBackoff: time.Duration(cmp.Or(c.Upload.InitialBackoffMs, DefaultInitialBackoffMs)) * time.Millisecond,
		MaxBackoff:     time.Duration(cmp.Or(c.Upload.MaxBackoffMs, DefaultMaxBackoffMs)) * time.Millisecond,
		SpoolDir:       cmp.Or(c.Upload.SpoolDir, filepath.Join(os.TempDir(), "minutememo-spool")),

		ArchiveEndpoint:  c.Archive.Endpoint,
		ArchiveBucket:    c.Archive.Bucket,
		ArchiveAccessKey: c.Archive.AccessKeyID,
		ArchiveSecretKey: c.Archive.SecretAccessKey,
		ArchivePrefix:    cmp.Or(c.Archive.Prefix, DefaultArchivePrefix),

		ManualStages: c.Finalize.ManualStages,
		StateDir:     cmp.Or(c.Finalize.StateDir, filepath.Join(filepath.Dir(c.filePath), "state")),

		WebhookURL: c.Notifications.Webhook.URL,

		APIKey: c.API.APIKey,

		EventLogPath: c.Log.EventLogPath,
	}
}

// HasBackendLogin reports whether backend credentials are configured.
func (s *Snapshot) HasBackendLogin() bool {
	return util.IsConfigured(s.BackendEmail, s.BackendPass)
}

// HasOAuth2 reports whether OAuth2 client credentials are configured.
func (s *Snapshot) HasOAuth2() bool {
	return util.IsConfigured(s.TokenURL, s.ClientID, s.ClientSecret)
}

// HasArchive reports whether the S3 chunk archive is configured.
func (s *Snapshot) HasArchive() bool {
	return util.IsConfigured(s.ArchiveBucket, s.ArchiveAccessKey, s.ArchiveSecretKey)
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
