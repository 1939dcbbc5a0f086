package ffmpeg

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArgs(t *testing.T) {
	args := EncodeArgs(types.CodecWebM.Preset(), "/tmp/chunk.webm")

	assert.Equal(t, []string{"-f", "s16le", "-ar", "48000", "-ac", "2", "-i", "pipe:0"}, args[:8])
	assert.Contains(t, args, "libopus")
	assert.Equal(t, []string{"-f", "webm", "/tmp/chunk.webm"}, args[len(args)-3:])
}

func TestEncodeArgsWithoutCodec(t *testing.T) {
	args := EncodeArgs(types.CodecWAV.Preset(), "out.wav")
	assert.NotContains(t, args, "-codec:a")
}

func TestEncodeReportsFailure(t *testing.T) {
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}
	err = Encode(context.Background(), falseBin, types.CodecMP3.Preset(), []byte{0, 0, 0, 0}, filepath.Join(t.TempDir(), "x.mp3"))
	assert.ErrorContains(t, err, "ffmpeg encode")
}

func TestEncodeWithFFmpeg(t *testing.T) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not available")
	}
	dst := filepath.Join(t.TempDir(), "chunk.wav")
	pcm := make([]byte, types.BytesPerSecond/2)
	require.NoError(t, Encode(context.Background(), bin, types.CodecWAV.Preset(), pcm, dst))
	assert.FileExists(t, dst)
}
