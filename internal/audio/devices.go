package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Devices lists the microphones capture can open on this platform.
func Devices() []Device {
	cfg := getPlatformConfig()
	return cfg.Devices()
}

// DeviceListConfig describes how one platform lists microphones.
type DeviceListConfig struct {
	Command []string // listing command and args; empty means fallback only

	// Lines between the markers are scanned. An empty start marker scans everything.
	AudioStartMarker string
	AudioStopMarker  string

	DevicePattern   *regexp.Regexp
	ParseDevice     func(matches []string) *Device
	FallbackDevices []Device // returned when nothing matches or the command fails
}

// parseDeviceList runs the listing command and extracts audio devices from its output.
func parseDeviceList(cfg DeviceListConfig) []Device { //nolint:gocritic // hugeParam
	if len(cfg.Command) == 0 {
		return cfg.FallbackDevices
	}

	output, err := exec.Command(cfg.Command[0], cfg.Command[1:]...).CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Warn("microphone listing failed, using fallback devices", "command", cfg.Command[0], "error", err)
		return cfg.FallbackDevices
	}

	return parseDeviceOutput(cfg, string(output))
}

// parseDeviceOutput extracts devices from listing output, falling back when none match.
// ALSA repeats a card once per subdevice, so only the first device per ID is kept.
func parseDeviceOutput(cfg DeviceListConfig, output string) []Device { //nolint:gocritic // hugeParam
	if cfg.DevicePattern == nil || cfg.ParseDevice == nil {
		return cfg.FallbackDevices
	}

	var devices []Device
	seen := make(map[string]bool)
	inSection := cfg.AudioStartMarker == ""

	for line := range strings.Lines(output) {
		switch {
		case cfg.AudioStartMarker != "" && strings.Contains(line, cfg.AudioStartMarker):
			inSection = true
			continue
		case cfg.AudioStopMarker != "" && strings.Contains(line, cfg.AudioStopMarker):
			inSection = false
			continue
		case !inSection, strings.Contains(line, "Alternative name"):
			continue
		}

		m := cfg.DevicePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		dev := cfg.ParseDevice(m)
		if dev == nil || seen[dev.ID] {
			continue
		}
		seen[dev.ID] = true
		dev.Name = strings.TrimSpace(dev.Name)
		devices = append(devices, *dev)
	}

	if len(devices) == 0 {
		return cfg.FallbackDevices
	}
	return devices
}
