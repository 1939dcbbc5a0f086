//go:build linux

package audio

import (
	"regexp"
	"strconv"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

func getPlatformConfig() CaptureConfig {
	return CaptureConfig{
		Command:       "arecord",
		DefaultDevice: "default",
		BuildArgs:     buildLinuxArgs,
	}
}

func buildLinuxArgs(device string) []string {
	return []string{
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(types.SampleRate),
		"-c", strconv.Itoa(types.Channels),
		"-t", "raw",
		"-q",
		"-",
	}
}

// alsaDevices lists capture cards from "arecord -l".
var alsaDevices = DeviceListConfig{
	Command:       []string{"arecord", "-l"},
	DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`),
	ParseDevice: func(matches []string) *Device {
		if len(matches) < 4 {
			return nil
		}
		return &Device{
			ID:   "default:CARD=" + matches[2],
			Name: matches[3],
		}
	},
	FallbackDevices: []Device{
		{ID: "default", Name: "System default"},
	},
}

func (cfg *CaptureConfig) Devices() []Device {
	return parseDeviceList(alsaDevices)
}
