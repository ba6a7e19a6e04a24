package attendance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/dedup"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/types"
)

type recordingSink struct {
	events []types.Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, e types.Event) error {
	s.events = append(s.events, e)
	return s.err
}

func face(x float64) types.Descriptor {
	d := make(types.Descriptor, types.DescriptorSize)
	d[0] = x
	return d
}

func newRecorder(t *testing.T, entries []gallery.Entry, sink Sink) (*Recorder, *Log) {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "attendance.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnsureHeader(); err != nil {
		t.Fatal(err)
	}
	store := gallery.NewStore("", nil, gallery.LoadOptions{})
	store.Swap(&gallery.Gallery{Entries: entries})
	r := NewRecorder(store, l, dedup.New(dedup.DefaultCooldown), RecorderConfig{
		Sink:   sink,
		Logger: logger.Discard(),
	})
	return r, l
}

func TestObserveEmptyGalleryRecordsNothing(t *testing.T) {
	r, l := newRecorder(t, nil, nil)

	out, err := r.Observe(context.Background(), []types.Detection{{Descriptor: face(1)}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Matched || out[0].Recorded {
		t.Fatalf("outcome = %+v", out)
	}
	if out[0].Identity != types.Unknown {
		t.Errorf("identity = %+v, want Unknown", out[0].Identity)
	}
	if got := readFile(t, l.Path()); got != canonical {
		t.Errorf("log changed: %q", got)
	}
}

func TestObserveCooldownAcrossFrames(t *testing.T) {
	alice := gallery.Entry{Identity: types.Identity{Name: "Alice", StudentID: "123"}, Descriptor: face(1)}
	r, l := newRecorder(t, []gallery.Entry{alice}, nil)

	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.Local)
	seen := []types.Detection{{Descriptor: face(1.05)}}

	for _, offset := range []time.Duration{0, 3 * time.Second, 6 * time.Second} {
		if _, err := r.Observe(context.Background(), seen, t0.Add(offset)); err != nil {
			t.Fatal(err)
		}
	}

	want := canonical + "Alice,123,2024-09-01 08:00:00\nAlice,123,2024-09-01 08:00:06\n"
	if got := readFile(t, l.Path()); got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

func TestObserveMixedFrame(t *testing.T) {
	entries := []gallery.Entry{
		{Identity: types.Identity{Name: "Alice", StudentID: "123"}, Descriptor: face(1)},
		{Identity: types.Identity{Name: "Bob", StudentID: "456"}, Descriptor: face(5)},
	}
	sink := &recordingSink{}
	r, _ := newRecorder(t, entries, sink)

	dets := []types.Detection{
		{Descriptor: face(5)},
		{Descriptor: face(20)},
		{Descriptor: face(1)},
		{Descriptor: face(1)}, // same frame, same person: cooldown applies
	}
	out, err := r.Observe(context.Background(), dets, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	wantRecorded := []bool{true, false, true, false}
	for i, w := range wantRecorded {
		if out[i].Recorded != w {
			t.Errorf("detection %d recorded = %v, want %v", i, out[i].Recorded, w)
		}
	}
	if out[1].Matched {
		t.Error("stranger should not match")
	}
	if len(sink.events) != 2 || sink.events[0].Name != "Bob" || sink.events[1].Name != "Alice" {
		t.Errorf("sink events = %+v", sink.events)
	}
}

func TestObserveSinkFailureIsNotFatal(t *testing.T) {
	alice := gallery.Entry{Identity: types.Identity{Name: "Alice", StudentID: "123"}, Descriptor: face(1)}
	r, l := newRecorder(t, []gallery.Entry{alice}, &recordingSink{err: errors.New("db down")})

	out, err := r.Observe(context.Background(), []types.Detection{{Descriptor: face(1)}}, time.Now())
	if err != nil {
		t.Fatalf("sink error escalated: %v", err)
	}
	if !out[0].Recorded {
		t.Error("event not recorded")
	}
	rows, err := l.Rows()
	if err != nil || len(rows) != 1 {
		t.Errorf("rows = %v, err = %v", rows, err)
	}
}

func TestObserveLogFailureIsFatal(t *testing.T) {
	alice := gallery.Entry{Identity: types.Identity{Name: "Alice", StudentID: "123"}, Descriptor: face(1)}
	r, l := newRecorder(t, []gallery.Entry{alice}, nil)
	os.Remove(l.Path())

	_, err := r.Observe(context.Background(), []types.Detection{{Descriptor: face(1)}}, time.Now())
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
}
