package gallery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
)

// fakeEncoder reads "face:<x>" image contents as a single face whose descriptor is [x, 0, ...].
// Anything else is an image with no faces.
type fakeEncoder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEncoder) ProcessFrame(img []byte) ([]types.Detection, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	s := string(img)
	if s == "explode" {
		return nil, errors.New("worker crashed")
	}
	if s == "garbage" {
		return nil, fmt.Errorf("%w: could not decode image", types.ErrFrame)
	}
	if !strings.HasPrefix(s, "face:") {
		return nil, nil
	}
	x, err := strconv.ParseFloat(strings.TrimPrefix(s, "face:"), 64)
	if err != nil {
		return nil, err
	}
	d := make(types.Descriptor, types.DescriptorSize)
	d[0] = x
	return []types.Detection{{Descriptor: d}}, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		file string
		want types.Identity
	}{
		{"Alice_123.jpg", types.Identity{Name: "Alice", StudentID: "123"}},
		{"Bob.jpg", types.Identity{Name: "Bob", StudentID: "UnknownID"}},
		{"Carol_1_2.png", types.Identity{Name: "Carol", StudentID: "UnknownID"}},
		{"/faces/Dan_77.PNG", types.Identity{Name: "Dan", StudentID: "77"}},
		{"Eve_9.backup.jpg", types.Identity{Name: "Eve", StudentID: "9"}},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			if got := ParseIdentity(tt.file); got != tt.want {
				t.Errorf("ParseIdentity(%q) = %+v, want %+v", tt.file, got, tt.want)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name, id string
		want     string
		wantErr  bool
	}{
		{"Alice", "123", "Alice_123.jpg", false},
		{"  Alice ", " 123 ", "Alice_123.jpg", false},
		{"Jir\u030ci", "5", "Ji\u0159i_5.jpg", false}, // combining caron is composed
		{"", "123", "", true},
		{"Alice", "", "", true},
		{"Ann_Marie", "1", "", true},
		{"../etc", "1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.id, func(t *testing.T) {
			got, err := FileName(tt.name, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FileName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error %v does not wrap ErrInvalidName", err)
			}
			if got != tt.want {
				t.Errorf("FileName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	g, err := Load(context.Background(), t.TempDir(), &fakeEncoder{}, LoadOptions{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("expected empty gallery, got %d entries", g.Len())
	}
}

func TestLoadSkipsUnusableImages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Bob.jpg", "face:2")
	writeFile(t, dir, "Alice_123.jpg", "face:1")
	writeFile(t, dir, "Nobody_9.png", "blank wall")
	writeFile(t, dir, "Corrupt_4.jpeg", "garbage")
	writeFile(t, dir, "notes.txt", "face:3")
	if err := os.Mkdir(filepath.Join(dir, "Sub_1.jpg"), 0755); err != nil {
		t.Fatal(err)
	}

	enc := &fakeEncoder{}
	g, err := Load(context.Background(), dir, enc, LoadOptions{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []types.Identity{
		{Name: "Alice", StudentID: "123"},
		{Name: "Bob", StudentID: "UnknownID"},
	}
	if g.Len() != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), g.Len(), g.Entries)
	}
	for i, w := range want {
		if g.Entries[i].Identity != w {
			t.Errorf("entry %d = %+v, want %+v", i, g.Entries[i].Identity, w)
		}
	}
	if len(g.Skipped) != 2 || filepath.Base(g.Skipped[0]) != "Corrupt_4.jpeg" || filepath.Base(g.Skipped[1]) != "Nobody_9.png" {
		t.Errorf("Skipped = %v", g.Skipped)
	}
	if enc.calls != 4 {
		t.Errorf("encoder called %d times, want 4 (non-images are not encoded)", enc.calls)
	}
}

func TestLoadDuplicateIdentitiesAreKept(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Alice_123.jpg", "face:1")
	writeFile(t, dir, "Alice_123.png", "face:1.1")

	g, err := Load(context.Background(), dir, &fakeEncoder{}, LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 2 {
		t.Errorf("expected both duplicate entries, got %d", g.Len())
	}
}

func TestLoadEncoderFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Alice_1.jpg", "explode")

	if _, err := Load(context.Background(), dir, &fakeEncoder{}, LoadOptions{}); err == nil {
		t.Fatal("expected encoder failure to surface")
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope"), &fakeEncoder{}, LoadOptions{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestStoreReloadReplacesWholesale(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Alice_1.jpg", "face:1")

	s := NewStore(dir, &fakeEncoder{}, LoadOptions{})
	if s.Current().Len() != 0 {
		t.Fatal("new store should start empty")
	}
	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Current().Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Current().Len())
	}

	os.Remove(filepath.Join(dir, "Alice_1.jpg"))
	writeFile(t, dir, "Bob_2.jpg", "face:2")
	writeFile(t, dir, "Carol_3.jpg", "face:3")
	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	g := s.Current()
	if g.Len() != 2 || g.Entries[0].Identity.Name != "Bob" || g.Entries[1].Identity.Name != "Carol" {
		t.Errorf("reload did not rebuild: %+v", g.Entries)
	}
}

func TestStoreFailedReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Alice_1.jpg", "face:1")
	s := NewStore(dir, &fakeEncoder{}, LoadOptions{})
	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "Zed_9.jpg", "explode")
	if _, err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if s.Current().Len() != 1 {
		t.Errorf("previous gallery lost after failed reload")
	}
}

// Readers running alongside reloads must only ever see the complete old
// gallery (one Alice) or the complete new one (three entries).
func TestStoreConcurrentReadersSeeWholeGalleries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Alice_1.jpg", "face:1")
	s := NewStore(dir, &fakeEncoder{}, LoadOptions{})
	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "Bob_2.jpg", "face:2")
	writeFile(t, dir, "Carol_3.jpg", "face:3")

	done := make(chan struct{})
	errs := make(chan string, 8)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				g := s.Current()
				switch g.Len() {
				case 1:
					if g.Entries[0].Identity.Name != "Alice" {
						errs <- "old gallery corrupted"
						return
					}
				case 3:
					if g.Entries[2].Identity.Name != "Carol" {
						errs <- "new gallery corrupted"
						return
					}
				default:
					errs <- "observed partial gallery of size " + strconv.Itoa(g.Len())
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if _, err := s.Reload(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestRelabel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Bob.png", "face:1")
	writeFile(t, dir, "Carol_3.png", "face:3")

	got, err := Relabel(filepath.Join(dir, "Bob.png"), "Bob", "42")
	if err != nil {
		t.Fatalf("Relabel failed: %v", err)
	}
	if filepath.Base(got) != "Bob_42.png" {
		t.Errorf("Relabel target = %s", got)
	}
	if _, err := os.Stat(got); err != nil {
		t.Errorf("relabelled file missing: %v", err)
	}

	if _, err := Relabel(got, "Carol", "3"); err == nil {
		t.Error("expected refusal to overwrite Carol_3")
	}
	if _, err := Relabel(got, "Bad_Name", "1"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}
