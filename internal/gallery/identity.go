package gallery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName is returned when a name or student id cannot be encoded into a gallery filename.
var ErrInvalidName = errors.New("invalid enrollment name")

// separator splits "<name>_<studentid>" in reference image filenames.
const separator = "_"

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// IsImage reports whether a gallery file is a reference image we know how to load.
func IsImage(filename string) bool {
	return imageExts[strings.ToLower(filepath.Ext(filename))]
}

// ParseIdentity derives an identity from a reference image filename.
// "Alice_123.jpg" is {Alice, 123}; anything that does not split into exactly
// two tokens keeps its first token as the name and gets the UnknownID sentinel.
func ParseIdentity(filename string) types.Identity {
	base := filepath.Base(filename)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, separator)
	if len(parts) == 2 {
		return types.Identity{Name: parts[0], StudentID: parts[1]}
	}
	return types.Identity{Name: parts[0], StudentID: types.UnknownID}
}

// FileName builds the reference image filename for an enrollment. Names are
// NFC-normalized so the same typed name always yields the same file.
func FileName(name, studentID string) (string, error) {
	name, err := cleanToken("name", name)
	if err != nil {
		return "", err
	}
	studentID, err = cleanToken("student ID", studentID)
	if err != nil {
		return "", err
	}
	return name + separator + studentID + ".jpg", nil
}

func cleanToken(field, s string) (string, error) {
	s = strings.TrimSpace(norm.NFC.String(s))
	switch {
	case s == "":
		return "", fmt.Errorf("%w: %s cannot be empty", ErrInvalidName, field)
	case strings.Contains(s, separator):
		return "", fmt.Errorf("%w: %s %q must not contain %q", ErrInvalidName, field, s, separator)
	case strings.ContainsAny(s, `./\`):
		return "", fmt.Errorf("%w: %s %q must not contain path characters", ErrInvalidName, field, s)
	}
	return s, nil
}

// Candidate is a reference image found in the gallery directory, before encoding.
type Candidate struct {
	Identity types.Identity
	File     string
}

// Scan lists the reference images in dir in filename order.
func Scan(dir string) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery directory: %w", err)
	}

	var out []Candidate
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		out = append(out, Candidate{
			Identity: ParseIdentity(e.Name()),
			File:     filepath.Join(dir, e.Name()),
		})
	}
	// os.ReadDir already sorts, but the matcher's first-match policy depends on it.
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// Relabel renames a reference image so it parses to the given identity.
// It refuses to overwrite an existing enrollment.
func Relabel(path, name, studentID string) (string, error) {
	filename, err := FileName(name, studentID)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExts[ext] {
		return "", fmt.Errorf("%s is not a reference image", path)
	}
	target := filepath.Join(filepath.Dir(path), strings.TrimSuffix(filename, ".jpg")+ext)
	if target == path {
		return target, nil
	}
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s already exists", target)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to relabel %s: %w", path, err)
	}
	return target, nil
}
