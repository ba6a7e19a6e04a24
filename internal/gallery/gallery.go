// Package gallery loads enrolled reference images into an in-memory set of
// (identity, descriptor) pairs and keeps the current set swappable at runtime.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/schollz/progressbar/v3"
)

// Encoder turns an encoded image into zero or more face detections.
type Encoder interface {
	ProcessFrame(img []byte) ([]types.Detection, error)
}

// Entry is one enrolled face.
type Entry struct {
	Identity   types.Identity
	Descriptor types.Descriptor
	Source     string
}

// Gallery is an immutable snapshot of the enrolled faces, in filename order.
type Gallery struct {
	Entries  []Entry
	Skipped  []string
	LoadedAt time.Time
}

// Len returns the number of enrolled faces.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Entries)
}

// LoadOptions controls reporting during a load.
type LoadOptions struct {
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
	Logger   *logger.Logger
}

// Load builds a fresh gallery from every reference image in dir. Images without a
// detectable face, or that cannot be read, are skipped and reported, never fatal.
func Load(ctx context.Context, dir string, enc Encoder, opts LoadOptions) (*Gallery, error) {
	candidates, err := Scan(dir)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil && len(candidates) > 0 {
		bar = progressbar.NewOptions(len(candidates),
			progressbar.OptionSetDescription("📸 Loading gallery"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
		)
	}

	g := &Gallery{Entries: make([]Entry, 0, len(candidates))}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Add(1)
		}

		data, err := os.ReadFile(c.File)
		if err != nil {
			opts.Logger.Warning("Skipping %s: %v", filepath.Base(c.File), err)
			g.Skipped = append(g.Skipped, c.File)
			continue
		}

		faces, err := enc.ProcessFrame(data)
		if errors.Is(err, types.ErrFrame) {
			opts.Logger.Warning("Skipping %s: %v", filepath.Base(c.File), err)
			g.Skipped = append(g.Skipped, c.File)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", filepath.Base(c.File), err)
		}
		if len(faces) == 0 {
			opts.Logger.Warning("No face found in %s, skipping", filepath.Base(c.File))
			g.Skipped = append(g.Skipped, c.File)
			continue
		}

		// Only the primary (first reported) face of a reference image is enrolled.
		g.Entries = append(g.Entries, Entry{
			Identity:   c.Identity,
			Descriptor: faces[0].Descriptor,
			Source:     c.File,
		})
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(opts.Progress)
	}

	g.LoadedAt = time.Now()
	return g, nil
}

// Store holds the gallery the matcher reads from. Readers always see a
// complete gallery: reloads build a new one off to the side and swap it in.
type Store struct {
	dir     string
	enc     Encoder
	opts    LoadOptions
	current atomic.Pointer[Gallery]
	reload  sync.Mutex
}

// NewStore starts with an empty gallery; call Reload to populate it.
func NewStore(dir string, enc Encoder, opts LoadOptions) *Store {
	s := &Store{dir: dir, enc: enc, opts: opts}
	s.current.Store(&Gallery{})
	return s
}

// Dir is the gallery directory backing the store.
func (s *Store) Dir() string { return s.dir }

// Current returns the gallery snapshot in effect right now.
func (s *Store) Current() *Gallery {
	return s.current.Load()
}

// Reload rebuilds the gallery from disk and swaps it in. On failure the
// previous gallery stays in effect.
func (s *Store) Reload(ctx context.Context) (*Gallery, error) {
	s.reload.Lock()
	defer s.reload.Unlock()

	g, err := Load(ctx, s.dir, s.enc, s.opts)
	if err != nil {
		return nil, err
	}
	s.current.Store(g)
	return g, nil
}

// Swap installs an already-built gallery.
func (s *Store) Swap(g *Gallery) {
	s.current.Store(g)
}
