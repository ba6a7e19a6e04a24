// Package attendance owns the append-only attendance CSV and the recorder that
// turns per-frame detections into log rows.
package attendance

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// Header is the first row of every attendance log.
var Header = []string{"Name", "Student ID", "Timestamp"}

// ErrWrite marks a failure to durably append an event. Callers must treat it as fatal.
var ErrWrite = errors.New("attendance log write failed")

const utf8BOM = "\ufeff"

// Log is the on-disk attendance record. One Log value should own a path per
// process; other processes may read it concurrently under the shared file lock.
type Log struct {
	path string
	mu   sync.RWMutex
	// crlf is set when an existing log ends its rows in \r\n; appends follow it.
	crlf bool
}

// Open prepares a Log at path, creating the parent directory. The file itself is
// created by EnsureHeader.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("attendance log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// EnsureHeader makes sure the log exists and starts with the canonical header.
// A missing or empty file gets just the header. A file with any other first row
// is rewritten under the canonical header, keeping every data row in order. The
// first row is only dropped if it is not itself a data row. The line ending of
// an existing file is kept for later appends. Returns true when the file was
// created or rewritten.
func (l *Log) EnsureHeader() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open attendance log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return false, fmt.Errorf("failed to lock attendance log: %w", err)
	}
	defer unlockFile(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return false, fmt.Errorf("failed to read attendance log: %w", err)
	}

	if len(data) == 0 {
		l.crlf = false
		if _, err := f.Write(encodeRows([][]string{Header}, false)); err != nil {
			return false, fmt.Errorf("failed to write header: %w", err)
		}
		return true, f.Sync()
	}

	l.crlf = usesCRLF(data)

	if first, err := firstRecord(data); err == nil && slices.Equal(first, Header) {
		if data[len(data)-1] == '\n' {
			return false, nil
		}
		// Terminate a dangling last row so the next append starts on its own line.
		if _, err := f.Write([]byte(l.eol())); err != nil {
			return false, fmt.Errorf("failed to terminate last row: %w", err)
		}
		return true, f.Sync()
	}

	records, err := parseRecords(data)
	if err != nil {
		return false, fmt.Errorf("attendance log is not valid CSV: %w", err)
	}

	rows := records
	if len(rows) > 0 && !isDataRow(rows[0]) {
		rows = rows[1:]
	}
	out := append([][]string{Header}, rows...)
	if err := utils.WriteFileAtomic(l.path, encodeRows(out, l.crlf), 0644); err != nil {
		return false, fmt.Errorf("failed to rewrite attendance log: %w", err)
	}
	return true, nil
}

// Append durably writes one event as a single row. The row is written with one
// call and fsynced before returning; on any failure the file is truncated back
// to its previous length and the error wraps ErrWrite.
func (l *Log) Append(e types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := encodeRows([][]string{e.Record()}, l.crlf)

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrWrite, err)
	}
	defer unlockFile(f)

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	size := info.Size()

	n, err := f.Write(row)
	if err == nil && n != len(row) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr == nil {
			f.Sync()
		}
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Snapshot returns the complete current contents of the log. It never observes
// a partially appended row.
func (l *Log) Snapshot() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return nil, fmt.Errorf("failed to lock attendance log: %w", err)
	}
	defer unlockFile(f)

	return io.ReadAll(f)
}

// Rows returns every event currently in the log, oldest first.
func (l *Log) Rows() ([]types.Event, error) {
	data, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	return ParseRows(data)
}

// Archive moves the current log aside as <name>-<stamp><ext> and returns the new
// path. The next EnsureHeader starts a fresh log.
func (l *Log) Archive(at time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	dest := fmt.Sprintf("%s-%s%s", base, at.Format("20060102-150405"), ext)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("archive %s already exists", dest)
	}
	if err := os.Rename(l.path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ParseRows decodes attendance CSV content. The header row and rows that are
// not well-formed events are skipped.
func ParseRows(data []byte) ([]types.Event, error) {
	records, err := parseRecords(data)
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(records))
	for _, r := range records {
		if !isDataRow(r) {
			continue
		}
		ts, _ := time.ParseInLocation(types.TimestampLayout, r[2], time.Local)
		events = append(events, types.Event{Name: r[0], StudentID: r[1], Timestamp: ts})
	}
	return events, nil
}

func newReader(data []byte) *csv.Reader {
	data = bytes.TrimPrefix(data, []byte(utf8BOM))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	// Older logs hold unescaped quotes such as O"Neil; read them literally.
	r.LazyQuotes = true
	return r
}

func parseRecords(data []byte) ([][]string, error) {
	return newReader(data).ReadAll()
}

func firstRecord(data []byte) ([]string, error) {
	return newReader(data).Read()
}

// usesCRLF reports whether the first line of data ends in \r\n.
func usesCRLF(data []byte) bool {
	i := bytes.IndexByte(data, '\n')
	return i > 0 && data[i-1] == '\r'
}

func (l *Log) eol() string {
	if l.crlf {
		return "\r\n"
	}
	return "\n"
}

func encodeRows(rows [][]string, crlf bool) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = crlf
	w.WriteAll(rows) // writes to a bytes.Buffer cannot fail
	return buf.Bytes()
}

func isDataRow(r []string) bool {
	if len(r) != len(Header) {
		return false
	}
	_, err := time.ParseInLocation(types.TimestampLayout, r[2], time.Local)
	return err == nil
}
