// Package stream reads frames from a video file or network stream by piping it
// through ffmpeg and splitting the MJPEG output.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// Source yields JPEG frames in order. Next returns io.EOF after the last frame.
type Source struct {
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	out     io.ReadCloser
	scanner *bufio.Scanner
	scale   int
	index   int
}

// Open starts ffmpeg on input, downscaling by scale.
func Open(ctx context.Context, input string, scale int) (*Source, error) {
	cmd := utils.NewFFmpegCmd(ctx, input, scale)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	s := NewReader(out, scale)
	s.cmd, s.stderr, s.out = cmd, stderr, out
	return s, nil
}

// NewReader splits an MJPEG byte stream that has already been downscaled by scale.
func NewReader(r io.Reader, scale int) *Source {
	if scale < 1 {
		scale = 1
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &Source{scanner: scanner, scale: scale}
}

// Next returns the next frame. The source keeps no full-resolution copy.
func (s *Source) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		return types.Frame{}, io.EOF
	}
	s.index++
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return types.Frame{Index: s.index, Data: data, Scale: s.scale}, nil
}

// Close stops ffmpeg and reports its logs if it failed.
func (s *Source) Close() error {
	if s.cmd == nil {
		return nil
	}
	s.out.Close()
	if err := s.cmd.Wait(); err != nil && s.stderr.Len() > 0 {
		return fmt.Errorf("ffmpeg: %w\n%s", err, s.stderr.String())
	}
	return nil
}
