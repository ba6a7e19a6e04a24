package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/facerec"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
)

// encoder is a face engine owned by a command, which must close it.
type encoder interface {
	gallery.Encoder
	Close() error
}

// newEncoder starts the configured face engine.
func newEncoder(ctx context.Context, c *config.Config, debug bool) (encoder, error) {
	if c.Engine.Name == config.EngineDlib {
		fmt.Fprintf(os.Stderr, "🧠 Loading dlib models from %s...\n", c.Engine.ModelDir)
		e, err := facerec.New(c.Engine.ModelDir)
		if err != nil {
			return nil, err
		}
		return e, nil
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for the single worker a command owns
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:      c.Engine.Python,
		Script:      c.Engine.Script,
		ReadTimeout: c.Engine.Timeout,
		Debug:       debug,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// crashLogs exposes the captured stderr of the Python engine for error reports.
func crashLogs(enc encoder) *utils.SafeCommand {
	if w, ok := enc.(*worker.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

// loadGallery encodes every reference image with a progress bar and reports the result.
func loadGallery(ctx context.Context, enc encoder) (*gallery.Gallery, error) {
	g, err := gallery.Load(ctx, cfg.Gallery.Dir, enc, gallery.LoadOptions{Progress: os.Stderr, Logger: appLog})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "👥 Gallery loaded: %d faces from %s", g.Len(), cfg.Gallery.Dir)
	if len(g.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, " (%d skipped)", len(g.Skipped))
	}
	fmt.Fprintln(os.Stderr)
	return g, nil
}
