package recording

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/minutememo-recorder/internal/ffmpeg"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// wavPCMFormat is the WAVE_FORMAT_PCM tag.
const wavPCMFormat = 1

// chunkEncoder turns raw PCM chunks into files the backend accepts.
type chunkEncoder struct {
	codec      types.Codec
	preset     types.CodecPreset
	ffmpegPath string
}

// newChunkEncoder returns an encoder for codec. Codecs that need FFmpeg fall
// back to WAV when no FFmpeg binary is available.
func newChunkEncoder(codec types.Codec, ffmpegPath string) chunkEncoder {
	if codec.NeedsFFmpeg() && ffmpegPath == "" {
		slog.Warn("ffmpeg not available, encoding chunks as wav", "codec", codec)
		codec = types.CodecWAV
	}
	return chunkEncoder{codec: codec, preset: codec.Preset(), ffmpegPath: ffmpegPath}
}

// Extension returns the file extension of encoded chunks.
func (e chunkEncoder) Extension() string { return e.preset.Extension }

// ContentType returns the MIME type of encoded chunks.
func (e chunkEncoder) ContentType() string { return e.preset.ContentType }

// Encode writes pcm to dst in the encoder's codec.
func (e chunkEncoder) Encode(ctx context.Context, pcm []byte, dst string) error {
	if e.codec == types.CodecWAV {
		return encodeWAV(pcm, dst)
	}
	return ffmpeg.Encode(ctx, e.ffmpegPath, e.preset, pcm, dst)
}

// encodeWAV writes s16le stereo PCM as a WAV file.
func encodeWAV(pcm []byte, dst string) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return util.WrapError("create wav file", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, util.WrapError("close wav file", cerr))
		}
	}()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	enc := wav.NewEncoder(f, types.SampleRate, types.BitDepth, types.Channels, wavPCMFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: types.Channels, SampleRate: types.SampleRate},
		Data:           samples,
		SourceBitDepth: types.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return util.WrapError("encode wav", err)
	}
	if err := enc.Close(); err != nil {
		return util.WrapError("finish wav", err)
	}
	return nil
}
