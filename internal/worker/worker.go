package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1
	statusFatal = 2

	// maxResponse guards against a corrupted length header allocating gigabytes.
	maxResponse = 64 * 1024 * 1024
)

// Config selects the interpreter and script backing a worker.
type Config struct {
	Python string
	Script string
	// ReadTimeout bounds how long one frame may take. Zero waits forever.
	ReadTimeout time.Duration
	// Debug asks the script to log per-frame timings to stderr.
	Debug bool
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/encoder.py"
	}
	return c
}

// ScriptError is an exception the script raised for one frame.
type ScriptError struct {
	Msg string
}

func (e *ScriptError) Error() string { return "python worker error: " + e.Msg }

// Unwrap lets callers treat the failure as confined to that frame.
func (e *ScriptError) Unwrap() error { return types.ErrFrame }

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewPythonWorker starts the encoder script. Frames go in on stdin, results come
// back on FD 3 so the script's own logging on stdout/stderr never corrupts them.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	cfg = cfg.withDefaults()
	args := []string{"-u", cfg.Script}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// ProcessFrame sends one encoded image and returns every face the script found,
// with boxes in the coordinate space of the image that was sent.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.New("worker is closed")
	}

	resp, err := w.communicate(data)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.timeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// decodeResponse parses [status] followed by either
// [n] n*([4]int32 box, [128]float32 descriptor) or, for statuses 1 and 2, [msgLen][msg].
func decodeResponse(resp []byte) ([]types.Detection, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty worker response")
	}

	switch status {
	case statusOK:
	case statusError, statusFatal:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		if status == statusFatal {
			return nil, fmt.Errorf("python worker cannot start: %s", msg)
		}
		return nil, &ScriptError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	// Each face is 4 int32 + DescriptorSize float32.
	const faceSize = 4*4 + types.DescriptorSize*4
	if uint64(n)*faceSize > uint64(r.Len()) {
		return nil, fmt.Errorf("worker reported %d faces but sent %d bytes", n, r.Len())
	}

	faces := make([]types.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed box for face %d: %w", i, err)
		}
		var vec [types.DescriptorSize]float32
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("malformed descriptor for face %d: %w", i, err)
		}

		desc := make(types.Descriptor, types.DescriptorSize)
		for j, v := range vec {
			desc[j] = float64(v)
		}
		faces = append(faces, types.Detection{
			Box:        types.Box{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Descriptor: desc,
		})
	}
	return faces, nil
}

// Close shuts the script down by closing its stdin and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
