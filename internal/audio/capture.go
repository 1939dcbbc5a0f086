package audio

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// Sentinel errors for microphone access.
var (
	// ErrNoAudioDevice is returned when no audio input device is available.
	ErrNoAudioDevice = errors.New("no audio input device found")

	// ErrPermissionDenied is returned when the operating system refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable is returned when the microphone is missing, busy or unreadable.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
)

// permissionMarkers are stderr fragments that indicate a refused permission
// rather than a missing or busy device.
var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"not authorized",
	"access denied",
	"access is denied",
}

// CaptureError describes why the capture process could not deliver audio.
// It unwraps to ErrPermissionDenied or ErrDeviceUnavailable.
type CaptureError struct {
	Kind   error
	Detail string
}

func (e *CaptureError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *CaptureError) Unwrap() error { return e.Kind }

// ClassifyCaptureError maps capture process output to a CaptureError.
func ClassifyCaptureError(stderr string) error {
	detail := util.ExtractLastError(stderr)
	lower := strings.ToLower(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return &CaptureError{Kind: ErrPermissionDenied, Detail: detail}
		}
	}
	return &CaptureError{Kind: ErrDeviceUnavailable, Detail: detail}
}

// Microphone opens live PCM capture streams.
type Microphone interface {
	// Open starts capture and returns a stream of s16le stereo PCM at types.SampleRate.
	// Closing the stream releases the device.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// BuildArgs returns the command arguments for audio capture.
	BuildArgs func(device string) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it attempts to use the default or auto-detect.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func BuildCaptureCommand(device, ffmpegPath string) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	// Windows has no safe default.
	if device == "" {
		devices := Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}

	return command, cfg.BuildArgs(device), nil
}

// Capture is a Microphone backed by a platform capture process.
type Capture struct {
	Device      string
	FFmpegPath  string
	OpenTimeout time.Duration

	// command overrides BuildCaptureCommand in tests.
	command func() (string, []string, error)
}

// Open starts the capture process and waits for the first block of audio.
// A process that exits before producing audio is classified from its stderr.
func (c *Capture) Open(ctx context.Context) (io.ReadCloser, error) {
	build := c.command
	if build == nil {
		build = func() (string, []string, error) {
			return BuildCaptureCommand(c.Device, c.FFmpegPath)
		}
	}
	name, args, err := build()
	if err != nil {
		return nil, &CaptureError{Kind: ErrDeviceUnavailable, Detail: err.Error()}
	}

	// The process outlives ctx, which only bounds the open.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, name, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create capture pipe", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	slog.Info("starting audio capture", "command", name, "device", c.Device)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &CaptureError{Kind: ErrDeviceUnavailable, Detail: err.Error()}
	}

	s := &captureStream{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}

	type probe struct {
		n   int
		err error
	}
	first := make([]byte, types.ReadBufferSize)
	probed := make(chan probe, 1)
	go func() {
		n, err := io.ReadAtLeast(stdout, first, types.Channels*types.BitDepth/8)
		probed <- probe{n, err}
	}()

	timeout := time.NewTimer(cmp.Or(c.OpenTimeout, types.OpenTimeout))
	defer timeout.Stop()

	select {
	case p := <-probed:
		if p.err != nil {
			_ = s.Close()
			return nil, ClassifyCaptureError(stderr.String())
		}
		s.pending = first[:p.n]
		return s, nil
	case <-timeout.C:
		_ = s.Close()
		return nil, &CaptureError{Kind: ErrDeviceUnavailable, Detail: "no audio received from device"}
	case <-ctx.Done():
		_ = s.Close()
		return nil, context.Cause(ctx)
	}
}

// captureStream is the stdout of a running capture process.
type captureStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	stderr  *syncBuffer
	pending []byte

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	closeErr  error
}

func (s *captureStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	n, err := s.stdout.Read(p)
	if err != nil && n == 0 && !s.isClosed() {
		// The device went away while capturing.
		return 0, ClassifyCaptureError(s.stderr.String())
	}
	return n, err
}

func (s *captureStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the capture process and releases the device.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("wait for capture process: %w", err)
		}
	})
	return s.closeErr
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
