package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/dedup"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/propagate"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/web"
	"github.com/spf13/cobra"
)

// mirrorTimeout bounds each mirrored insert so a stalled database never holds up capture.
const mirrorTimeout = 2 * time.Second

// runOptions holds the flags that only make sense for a recording session.
type runOptions struct {
	Input       string
	DebugFrames string
	ReloadEvery time.Duration
	Serve       bool
	NoPublish   bool
	Debug       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record attendance from a camera or video stream",
	Long: `Matches every face on the feed against the gallery and appends accepted
sightings to the attendance log. Send SIGHUP to reload the gallery after enrolling
someone new.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := runOptions{
			Input:       mustGetString(cmd, "input"),
			DebugFrames: mustGetString(cmd, "debug-frames"),
			ReloadEvery: mustGetDuration(cmd, "reload-every"),
			Serve:       mustGetBool(cmd, "serve"),
			NoPublish:   mustGetBool(cmd, "no-publish"),
			Debug:       mustGetBool(cmd, "debug"),
		}
		if err := validateRunFlags(opts); err != nil {
			utils.ShowError("Invalid flags", err, nil)
			return err
		}
		return runRecorder(cmd.Context(), opts)
	},
}

func init() {
	def := config.Default()
	f := runCmd.Flags()
	f.StringP("input", "i", "", "Read frames from a video file or stream URL instead of the camera")
	f.String("debug-frames", "", "Save annotated frames with detections to this directory")
	f.Duration("reload-every", 0, "Also reload the gallery on this interval (0 disables)")
	f.Bool("serve", false, "Serve the published copy over HTTP while recording")
	f.Bool("no-publish", false, "Do not keep the published copy up to date")
	f.BoolP("debug", "d", false, "Ask the Python worker to log per-frame timings")
	f.Duration("interval", def.Log.PublishInterval, "How often the published copy is refreshed")
	f.Duration("cooldown", def.Match.Cooldown, "Minimum time between two records of the same person")
	f.String("listen", def.Server.Addr, "Address for --serve")
	addMatchFlags(runCmd)
	addEngineFlags(runCmd)
	addCameraFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func validateRunFlags(opts runOptions) error {
	if opts.Input != "" && !strings.Contains(opts.Input, "://") {
		info, err := os.Stat(opts.Input)
		if err != nil {
			return fmt.Errorf("input %s: %w", opts.Input, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory, expected a video file", opts.Input)
		}
	}
	if opts.ReloadEvery < 0 {
		return fmt.Errorf("reload-every cannot be negative, got %s", opts.ReloadEvery)
	}
	if opts.Serve && opts.NoPublish {
		return errors.New("--serve needs the published copy, drop --no-publish")
	}
	return nil
}

// frameSource is a camera or a decoded stream.
type frameSource interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

func openSource(ctx context.Context, opts runOptions) (frameSource, error) {
	if opts.Input != "" {
		fmt.Fprintf(os.Stderr, "📼 Reading frames from %s\n", opts.Input)
		s, err := stream.Open(ctx, opts.Input, cfg.Camera.Scale)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	fmt.Fprintf(os.Stderr, "📷 Opening camera %s\n", cfg.Camera.Device)
	d, err := camera.Open(cfg.Camera.Device, cfg.Camera.Scale, opts.DebugFrames != "")
	if err != nil {
		return nil, err
	}
	return d, nil
}

// runRecorder wires the session together: engine, gallery, log, mirror,
// propagator, optional HTTP server, then the capture loop until the feed ends
// or the context is cancelled.
func runRecorder(ctx context.Context, opts runOptions) error {
	// 1. Face engine
	enc, err := newEncoder(ctx, cfg, opts.Debug)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}
	defer enc.Close()

	// 2. Gallery
	if err := os.MkdirAll(cfg.Gallery.Dir, 0755); err != nil {
		utils.ShowError("Failed to create gallery directory", err, nil)
		return err
	}
	g, err := loadGallery(ctx, enc)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, crashLogs(enc))
		return err
	}
	if g.Len() == 0 {
		appLog.Warning("Gallery is empty, every face will be reported as Unknown")
	}
	galleries := gallery.NewStore(cfg.Gallery.Dir, enc, gallery.LoadOptions{Logger: appLog})
	galleries.Swap(g)

	// 3. Attendance log
	log, err := attendance.Open(cfg.Log.Path)
	if err != nil {
		utils.ShowError("Failed to open attendance log", err, nil)
		return err
	}
	repaired, err := log.EnsureHeader()
	if err != nil {
		utils.ShowError("Failed to prepare attendance log", err, nil)
		return err
	}
	if repaired {
		fmt.Fprintf(os.Stderr, "🛠️  Repaired header of %s\n", log.Path())
	}

	// 4. Optional mirror
	var sink attendance.Sink
	if mirror := openMirror(ctx); mirror != nil {
		host, _ := os.Hostname()
		runID, err := mirror.StartRun(ctx, host, g.Len())
		if err != nil {
			appLog.Warning("Failed to register run, mirroring disabled: %v", err)
		} else {
			sink = store.RunSink{Store: mirror, RunID: runID, Timeout: mirrorTimeout}
			fmt.Fprintf(os.Stderr, "🗄️  Mirroring events as run %s\n", runID.String()[:8])
		}
	}

	rec := attendance.NewRecorder(galleries, log, dedup.New(cfg.Match.Cooldown), attendance.RecorderConfig{
		Tolerance: cfg.Match.Tolerance,
		Sink:      sink,
		Logger:    appLog,
	})

	// 5. Background loops. They stop before the engine is closed.
	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	if !opts.NoPublish {
		prop := propagate.New(log, cfg.Log.PublishPath, appLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			prop.Run(bgCtx, cfg.Log.PublishInterval)
		}()
	}
	if opts.Serve {
		srv := web.NewServer(cfg.Server.Addr, cfg.Log.PublishPath, appLog)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.Start(); err != nil {
				appLog.Error("HTTP server stopped: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-bgCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchReload(bgCtx, galleries, opts.ReloadEvery, appLog)
	}()

	// 6. Frame source
	src, err := openSource(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to open frame source", err, nil)
		return err
	}
	defer func() {
		if err := src.Close(); err != nil && ctx.Err() == nil {
			appLog.Warning("Frame source closed with error: %v", err)
		}
	}()

	if opts.DebugFrames != "" {
		if err := os.MkdirAll(opts.DebugFrames, 0755); err != nil {
			utils.ShowError("Failed to create debug frame directory", err, nil)
			return err
		}
	}

	// 7. Capture loop
	s := &session{
		enc:      enc,
		rec:      rec,
		out:      os.Stdout,
		log:      appLog,
		debugDir: opts.DebugFrames,
		now:      time.Now,
	}
	fmt.Fprintln(os.Stderr, "🎬 Recording attendance. Press Ctrl+C to stop.")
	s.printHeader()

	if err := s.loop(ctx, src); err != nil {
		if errors.Is(err, attendance.ErrWrite) {
			utils.ShowError("Attendance log write failed", err, nil)
		} else {
			utils.ShowError("Recording stopped", err, crashLogs(enc))
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Session complete. %d frames, %d attendance records.\n", s.frames, s.records)
	return nil
}

// watchReload rebuilds the gallery on SIGHUP and, when every > 0, on a timer.
// A failed reload keeps the previous gallery.
func watchReload(ctx context.Context, galleries *gallery.Store, every time.Duration, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		case <-tick:
		}
		g, err := galleries.Reload(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warning("Gallery reload failed, keeping %d faces: %v", galleries.Current().Len(), err)
			}
			continue
		}
		log.Info("Gallery reloaded: %d faces (%d skipped)", g.Len(), len(g.Skipped))
	}
}

// session is the capture loop state: it feeds frames through the engine and
// the recorder and prints every accepted event.
type session struct {
	enc      gallery.Encoder
	rec      *attendance.Recorder
	out      io.Writer
	log      *logger.Logger
	debugDir string
	now      func() time.Time

	frames  int
	records int
	misses  int
}

// loop reads frames until the source is exhausted or ctx is cancelled. The
// only errors it returns are fatal ones.
func (s *session) loop(ctx context.Context, src frameSource) error {
	for {
		f, err := src.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			fmt.Fprintln(os.Stderr, "📼 End of input reached.")
			return nil
		case errors.Is(err, camera.ErrNoFrame):
			if s.misses == 0 {
				s.log.Warning("Camera returned no frame, retrying")
			}
			s.misses++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		case err != nil:
			return err
		}
		s.misses = 0

		if err := s.handle(ctx, f); err != nil {
			if errors.Is(err, attendance.ErrWrite) {
				return err
			}
			if ctx.Err() != nil {
				// The engine was killed by the shutdown signal mid-frame.
				return nil
			}
			return err
		}
	}
}

// handle runs one frame through the engine and the recorder.
func (s *session) handle(ctx context.Context, f types.Frame) error {
	s.frames++
	faces, err := s.enc.ProcessFrame(f.Data)
	if errors.Is(err, types.ErrFrame) {
		s.log.Warning("Frame %d skipped: %v", f.Index, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("face engine failed on frame %d: %w", f.Index, err)
	}

	outcomes, err := s.rec.Observe(ctx, faces, s.now())
	for _, o := range outcomes {
		if o.Recorded {
			s.records++
			s.printRow(o.Event)
		}
	}
	if err != nil {
		return err
	}

	if s.debugDir != "" && len(outcomes) > 0 {
		s.saveDebugFrame(f, outcomes)
	}
	return nil
}

func (s *session) printHeader() {
	fmt.Fprintf(s.out, "%-24s %-14s %s\n", "NAME", "STUDENT ID", "TIMESTAMP")
	fmt.Fprintf(s.out, "%-24s %-14s %s\n", "----", "----------", "---------")
}

func (s *session) printRow(e types.Event) {
	r := e.Record()
	fmt.Fprintf(s.out, "%-24s %-14s %s\n", r[0], r[1], r[2])
}

// saveDebugFrame draws every detection onto the frame. Boxes come from the
// downscaled image, so they are scaled back when the full frame is available.
func (s *session) saveDebugFrame(f types.Frame, outcomes []attendance.Outcome) {
	img, scale := f.Data, 1
	if f.Full != nil {
		img, scale = f.Full, f.Scale
	}

	labels := make([]camera.Label, 0, len(outcomes))
	for _, o := range outcomes {
		labels = append(labels, camera.Label{
			Box:   o.Detection.Box.Scale(scale),
			Text:  o.Identity.Name,
			Known: o.Matched,
		})
	}
	annotated, err := camera.Annotate(img, labels)
	if err != nil {
		s.log.Warning("Failed to annotate frame %d: %v", f.Index, err)
		return
	}
	path := filepath.Join(s.debugDir, fmt.Sprintf("frame_%06d.jpg", f.Index))
	if err := os.WriteFile(path, annotated, 0644); err != nil {
		s.log.Warning("Failed to save debug frame: %v", err)
	}
}
