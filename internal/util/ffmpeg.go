package util

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ResolveFFmpegPath returns the FFmpeg binary to use, or "" when none is found.
// A configured customPath must be executable. Without one, an ffmpeg binary
// next to the recorder executable wins over the one in PATH, so a portable
// install does not depend on the system FFmpeg.
func ResolveFFmpegPath(customPath string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}

	if exe, err := os.Executable(); err == nil {
		name := "ffmpeg"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		local := filepath.Join(filepath.Dir(exe), name)
		if _, err := exec.LookPath(local); err == nil {
			return local
		}
	}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return ""
	}
	return path
}
