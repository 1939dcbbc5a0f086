// Package ffmpeg runs FFmpeg subprocesses that encode raw PCM.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// Process represents a running FFmpeg subprocess.
type Process struct {
	Cmd    *exec.Cmd
	Cancel context.CancelFunc
	Stdin  io.WriteCloser
	Stderr *bytes.Buffer
}

// BaseInputArgs returns FFmpeg arguments for PCM audio input.
func BaseInputArgs() []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(types.SampleRate),
		"-ac", strconv.Itoa(types.Channels),
		"-i", "pipe:0",
	}
}

// EncodeArgs returns the full argument list to encode PCM from stdin into dst.
func EncodeArgs(preset types.CodecPreset, dst string) []string {
	args := BaseInputArgs()
	args = append(args, "-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-vn")
	if len(preset.Args) > 0 {
		args = append(args, "-codec:a")
		args = append(args, preset.Args...)
	}
	return append(args, "-f", preset.Format, dst)
}

// StartProcess launches an FFmpeg subprocess bound to ctx.
func StartProcess(ctx context.Context, ffmpegPath string, args []string) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		if closeErr := stdinPipe.Close(); closeErr != nil {
			slog.Warn("failed to close stdin pipe", "error", closeErr)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &Process{
		Cmd:    cmd,
		Cancel: cancel,
		Stdin:  stdinPipe,
		Stderr: &stderr,
	}, nil
}

// Encode pipes pcm through FFmpeg into the file dst.
func Encode(ctx context.Context, ffmpegPath string, preset types.CodecPreset, pcm []byte, dst string) error {
	proc, err := StartProcess(ctx, ffmpegPath, EncodeArgs(preset, dst))
	if err != nil {
		return err
	}
	defer proc.Cancel()

	_, writeErr := proc.Stdin.Write(pcm)
	closeErr := proc.Stdin.Close()
	waitErr := proc.Cmd.Wait()

	if waitErr != nil {
		if msg := util.ExtractLastError(proc.Stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg encode: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("ffmpeg encode: %w", waitErr)
	}
	if err := errors.Join(writeErr, closeErr); err != nil {
		return util.WrapError("write pcm to ffmpeg", err)
	}
	return nil
}
