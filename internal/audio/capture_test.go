package audio

import (
	"context"
	"io"
	"os/exec"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"alsa permission", "arecord: main:850: audio open error: Permission denied", ErrPermissionDenied},
		{"mac tcc", "[avfoundation] Failed to open device: not authorized to capture audio", ErrPermissionDenied},
		{"windows access", "Could not run graph (sometimes caused by a device already in use):\nAccess is denied.", ErrPermissionDenied},
		{"busy", "arecord: main:850: audio open error: Device or resource busy", ErrDeviceUnavailable},
		{"missing", "arecord: main:850: audio open error: No such file or directory", ErrDeviceUnavailable},
		{"empty", "", ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyCaptureError(tt.stderr)
			assert.ErrorIs(t, err, tt.want)

			var ce *CaptureError
			require.ErrorAs(t, err, &ce)
			assert.NotContains(t, ce.Detail, "\n")
		})
	}
}

func shellCapture(t *testing.T, script string) *Capture {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return &Capture{
		OpenTimeout: 2 * time.Second,
		command: func() (string, []string, error) {
			return sh, []string{"-c", script}, nil
		},
	}
}

func TestCaptureOpenPermissionDenied(t *testing.T) {
	c := shellCapture(t, `echo "audio open error: Permission denied" >&2; exit 1`)

	stream, err := c.Open(context.Background())
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCaptureOpenBusyDevice(t *testing.T) {
	c := shellCapture(t, `echo "audio open error: Device or resource busy" >&2; exit 1`)

	_, err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestCaptureOpenStreamsAudio(t *testing.T) {
	c := shellCapture(t, `head -c 40000 /dev/zero; exec sleep 30`)

	stream, err := c.Open(context.Background())
	require.NoError(t, err)

	buf := make([]byte, 40000)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- stream.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("close did not release the capture process")
	}
}

func TestCaptureOpenTimesOut(t *testing.T) {
	c := shellCapture(t, `exec sleep 30`)
	c.OpenTimeout = 100 * time.Millisecond

	_, err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

var alsaLikePattern = regexp.MustCompile(`\[(\d+)\]\s*(.+)`)

func TestParseDeviceOutput(t *testing.T) {
	cfg := DeviceListConfig{
		AudioStartMarker: "audio devices:",
		AudioStopMarker:  "video devices:",
		DevicePattern:    alsaLikePattern,
		ParseDevice: func(m []string) *Device {
			return &Device{ID: m[1], Name: m[2]}
		},
		FallbackDevices: []Device{{ID: "fallback"}},
	}

	out := "audio devices:\n[0] Built-in Mic\n[1] USB Mic\nvideo devices:\n[0] Camera\n"
	devices := parseDeviceOutput(cfg, out)
	assert.Equal(t, []Device{{ID: "0", Name: "Built-in Mic"}, {ID: "1", Name: "USB Mic"}}, devices)

	assert.Equal(t, cfg.FallbackDevices, parseDeviceOutput(cfg, "nothing here"))
}

func TestParseDeviceOutputDedupesSubdevices(t *testing.T) {
	cfg := DeviceListConfig{
		DevicePattern: regexp.MustCompile(`^card (\d+): (\S+) \[(.+)\], device \d+`),
		ParseDevice: func(m []string) *Device {
			return &Device{ID: "hw:" + m[1], Name: m[3] + " "}
		},
	}

	out := "card 0: PCH [HDA Intel PCH], device 0: ALC892 Analog\n" +
		"card 0: PCH [HDA Intel PCH], device 2: ALC892 Alt Analog\n" +
		"card 1: Mic [USB Mic], device 0: USB Audio\n"
	devices := parseDeviceOutput(cfg, out)
	assert.Equal(t, []Device{{ID: "hw:0", Name: "HDA Intel PCH"}, {ID: "hw:1", Name: "USB Mic"}}, devices)
}

func TestParseDeviceOutputWithoutPattern(t *testing.T) {
	cfg := DeviceListConfig{FallbackDevices: []Device{{ID: "default"}}}
	assert.Equal(t, cfg.FallbackDevices, parseDeviceOutput(cfg, "[0] Mic\n"))
}
