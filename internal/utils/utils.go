package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for paths that cannot return an error.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Frame Stream Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			// Trailing garbage with no frame in it.
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// IsJpeg reports whether data starts with a JPEG Start Of Image marker.
func IsJpeg(data []byte) bool {
	return bytes.HasPrefix(data, JpegSOI)
}

// NewFFmpegCmd creates a decoder pipe that emits MJPEG frames on Stdout, downscaled by
// the given factor and paced at the source's native frame rate.
func NewFFmpegCmd(ctx context.Context, inputPath string, scale int) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error", "-re", "-i", inputPath}
	if scale > 1 {
		s := strconv.Itoa(scale)
		args = append(args, "-vf", "scale=iw/"+s+":ih/"+s)
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// --- 3. Durable Files ---

// WriteFileAtomic replaces path with data. The bytes go to a temp file in the same
// directory, which is synced and renamed over path, then the directory is synced.
// Readers see either the old file or the new one. The directory must already exist.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
