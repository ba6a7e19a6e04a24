package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/dedup"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

// faceOf maps the people in a scripted frame to descriptors.
var faceOf = map[string]float64{"alice": 0, "bob": 10, "stranger": 100}

func descriptor(x float64) types.Descriptor {
	d := make(types.Descriptor, types.DescriptorSize)
	d[0] = x
	return d
}

// scriptedEncoder reads frames like "alice+bob" as one face per name.
type scriptedEncoder struct{}

func (scriptedEncoder) ProcessFrame(img []byte) ([]types.Detection, error) {
	var out []types.Detection
	for _, who := range strings.Split(string(img), "+") {
		switch who {
		case "":
		case "garbage":
			return nil, fmt.Errorf("%w: could not decode image", types.ErrFrame)
		case "crash":
			return nil, errors.New("broken pipe")
		default:
			out = append(out, types.Detection{Descriptor: descriptor(faceOf[who])})
		}
	}
	return out, nil
}

type testSession struct {
	*session
	csv   *attendance.Log
	table *bytes.Buffer
	clock time.Time
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	l, err := attendance.Open(filepath.Join(t.TempDir(), "attendance.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnsureHeader(); err != nil {
		t.Fatal(err)
	}

	galleries := gallery.NewStore(t.TempDir(), scriptedEncoder{}, gallery.LoadOptions{})
	galleries.Swap(&gallery.Gallery{Entries: []gallery.Entry{
		{Identity: types.Identity{Name: "Alice", StudentID: "123"}, Descriptor: descriptor(0)},
		{Identity: types.Identity{Name: "Bob", StudentID: "456"}, Descriptor: descriptor(10)},
	}})

	ts := &testSession{
		csv:   l,
		table: new(bytes.Buffer),
		clock: time.Date(2024, 9, 2, 8, 0, 0, 0, time.Local),
	}
	rec := attendance.NewRecorder(galleries, l, dedup.New(5*time.Second), attendance.RecorderConfig{Logger: logger.Discard()})
	ts.session = &session{
		enc: scriptedEncoder{},
		rec: rec,
		out: ts.table,
		log: logger.Discard(),
		now: func() time.Time { return ts.clock },
	}
	return ts
}

func (ts *testSession) feed(t *testing.T, at time.Duration, data string) error {
	t.Helper()
	ts.clock = time.Date(2024, 9, 2, 8, 0, 0, 0, time.Local).Add(at)
	return ts.handle(context.Background(), types.Frame{Index: ts.frames + 1, Data: []byte(data)})
}

func TestSessionRecordsAcceptedEvents(t *testing.T) {
	ts := newTestSession(t)

	frames := []struct {
		at   time.Duration
		data string
	}{
		{0, "alice"},
		{3 * time.Second, "alice+stranger"},
		{6 * time.Second, "alice+bob"},
		{7 * time.Second, "bob"},
	}
	for _, f := range frames {
		if err := ts.feed(t, f.at, f.data); err != nil {
			t.Fatalf("frame %q: %v", f.data, err)
		}
	}

	rows, err := ts.csv.Rows()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.Name+"@"+r.Timestamp.Format("15:04:05"))
	}
	want := []string{"Alice@08:00:00", "Alice@08:00:06", "Bob@08:00:06"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("log rows = %v, want %v", got, want)
	}
	if ts.records != 3 || ts.frames != 4 {
		t.Errorf("records = %d, frames = %d", ts.records, ts.frames)
	}
	if n := strings.Count(ts.table.String(), "\n"); n != 3 {
		t.Errorf("session table has %d lines, want 3:\n%s", n, ts.table.String())
	}
	if !strings.Contains(ts.table.String(), "2024-09-02 08:00:06") {
		t.Errorf("session table missing timestamp:\n%s", ts.table.String())
	}
}

func TestSessionSkipsUnreadableFrames(t *testing.T) {
	ts := newTestSession(t)
	if err := ts.feed(t, 0, "garbage"); err != nil {
		t.Fatalf("unreadable frame should be skipped, got %v", err)
	}
	if err := ts.feed(t, time.Second, "alice"); err != nil {
		t.Fatal(err)
	}
	if ts.records != 1 {
		t.Errorf("records = %d, want 1", ts.records)
	}
}

func TestSessionEngineFailureIsFatal(t *testing.T) {
	ts := newTestSession(t)
	if err := ts.feed(t, 0, "crash"); err == nil {
		t.Fatal("expected engine failure to stop the session")
	}
}

func TestSessionLogFailureIsFatal(t *testing.T) {
	ts := newTestSession(t)
	if err := os.Remove(ts.csv.Path()); err != nil {
		t.Fatal(err)
	}
	err := ts.feed(t, 0, "alice")
	if !errors.Is(err, attendance.ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
}

type step struct {
	data string
	err  error
}

type scriptedSource struct {
	steps []step
	i     int
}

func (s *scriptedSource) Next(ctx context.Context) (types.Frame, error) {
	if s.i >= len(s.steps) {
		return types.Frame{}, io.EOF
	}
	st := s.steps[s.i]
	s.i++
	if st.err != nil {
		return types.Frame{}, st.err
	}
	return types.Frame{Index: s.i, Data: []byte(st.data), Scale: 1}, nil
}

func (s *scriptedSource) Close() error { return nil }

func TestSessionLoop(t *testing.T) {
	ts := newTestSession(t)
	src := &scriptedSource{steps: []step{
		{data: "alice"},
		{err: camera.ErrNoFrame},
		{err: camera.ErrNoFrame},
		{data: "bob"},
	}}

	if err := ts.loop(context.Background(), src); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if ts.frames != 2 || ts.records != 2 {
		t.Errorf("frames = %d, records = %d", ts.frames, ts.records)
	}
}

func TestSessionLoopStopsOnSourceError(t *testing.T) {
	ts := newTestSession(t)
	src := &scriptedSource{steps: []step{{err: errors.New("device unplugged")}}}
	if err := ts.loop(context.Background(), src); err == nil {
		t.Fatal("expected source error")
	}
}

func TestSessionLoopCancelled(t *testing.T) {
	ts := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedSource{steps: []step{{data: "alice"}}}
	if err := ts.loop(ctx, src); err != nil {
		t.Fatalf("cancelled loop should stop cleanly, got %v", err)
	}
	if ts.records != 0 {
		t.Errorf("records = %d after cancellation", ts.records)
	}
}

// cancellingEncoder cancels the session context while a frame is in flight.
type cancellingEncoder struct {
	cancel context.CancelFunc
}

func (e cancellingEncoder) ProcessFrame(img []byte) ([]types.Detection, error) {
	e.cancel()
	return scriptedEncoder{}.ProcessFrame(img)
}

func TestSessionLoopLogFailureSurvivesCancellation(t *testing.T) {
	ts := newTestSession(t)
	if err := os.Remove(ts.csv.Path()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.enc = cancellingEncoder{cancel: cancel}

	src := &scriptedSource{steps: []step{{data: "alice"}}}
	if err := ts.loop(ctx, src); !errors.Is(err, attendance.ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
}

func TestValidateRunFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "lecture.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tests := []struct {
		name    string
		opts    runOptions
		wantErr bool
	}{
		{"Camera only", runOptions{}, false},
		{"Valid video file", runOptions{Input: tmpFile.Name()}, false},
		{"Stream URL is not checked on disk", runOptions{Input: "rtsp://camera.local/stream"}, false},
		{"Input file does not exist", runOptions{Input: "nonexistent.mp4"}, true},
		{"Input is directory", runOptions{Input: t.TempDir()}, true},
		{"Negative reload interval", runOptions{ReloadEvery: -time.Second}, true},
		{"Serve without publishing", runOptions{Serve: true, NoPublish: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateRunFlags(tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateRunFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("gallery", "", "")
	cmd.Flags().Duration("cooldown", 0, "")
	addMatchFlags(cmd)
	addCameraFlags(cmd)

	if err := cmd.ParseFlags([]string{"--gallery", "class-b", "-t", "0.45", "--scale", "2", "--cooldown", "30s"}); err != nil {
		t.Fatal(err)
	}

	c := config.Default()
	applyFlags(cmd, c)

	if c.Gallery.Dir != "class-b" || c.Match.Tolerance != 0.45 || c.Camera.Scale != 2 || c.Match.Cooldown != 30*time.Second {
		t.Errorf("flags not applied: %+v", c)
	}
	// Unset flags leave the configured values alone.
	if c.Camera.Device != "0" || c.Log.Path != "attendance.csv" {
		t.Errorf("unset flags changed config: %+v", c)
	}
}
