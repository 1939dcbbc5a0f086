//go:build darwin

package audio

import "regexp"

func getPlatformConfig() CaptureConfig {
	return CaptureConfig{
		Command:       "ffmpeg",
		DefaultDevice: ":0",
		UsesFFmpeg:    true,
		BuildArgs:     buildDarwinArgs,
	}
}

// buildDarwinArgs captures from an AVFoundation audio device. IDs have the
// ":<index>" form; macOS asks for microphone permission on first use.
func buildDarwinArgs(device string) []string {
	return buildFFmpegCaptureArgs("avfoundation", device)
}

// avfoundationDevices lists microphones from "ffmpeg -list_devices".
var avfoundationDevices = DeviceListConfig{
	Command:          []string{"ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
	AudioStartMarker: "AVFoundation audio devices:",
	DevicePattern:    regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
	ParseDevice: func(matches []string) *Device {
		if len(matches) < 3 {
			return nil
		}
		return &Device{ID: ":" + matches[1], Name: matches[2]}
	},
	FallbackDevices: []Device{
		{ID: ":0", Name: "First audio device"},
	},
}

func (cfg *CaptureConfig) Devices() []Device {
	return parseDeviceList(avfoundationDevices)
}
