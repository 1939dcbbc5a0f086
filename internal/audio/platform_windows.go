//go:build windows

package audio

import (
	"regexp"
	"strings"
)

// Windows has no default DirectShow device; BuildCaptureCommand picks the
// first listed microphone.
func getPlatformConfig() CaptureConfig {
	return CaptureConfig{
		Command:    "ffmpeg",
		UsesFFmpeg: true,
		BuildArgs:  buildWindowsArgs,
	}
}

func buildWindowsArgs(device string) []string {
	return buildFFmpegCaptureArgs("dshow", device)
}

// dshowDevices lists microphones from "ffmpeg -list_devices". FFmpeg builds
// differ in whether they print a section header, so lines are matched on
// their "(audio)" suffix.
var dshowDevices = DeviceListConfig{
	Command:       []string{"ffmpeg", "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
	DevicePattern: regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
	ParseDevice: func(matches []string) *Device {
		if len(matches) < 2 {
			return nil
		}
		name := strings.TrimSpace(matches[1])
		return &Device{ID: "audio=" + name, Name: name}
	},
}

func (cfg *CaptureConfig) Devices() []Device {
	return parseDeviceList(dshowDevices)
}
