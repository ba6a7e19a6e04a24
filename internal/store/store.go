// Package store mirrors accepted attendance events into PostgreSQL for querying
// history. The CSV log stays the source of truth.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS attendance_runs (
			id UUID PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			host TEXT NOT NULL,
			gallery_size INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attendance_events (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID REFERENCES attendance_runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			student_id TEXT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS attendance_events_seen_at_idx ON attendance_events (seen_at);
		CREATE INDEX IF NOT EXISTS attendance_events_name_idx ON attendance_events (name);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// StartRun registers one invocation of the recorder and returns its id.
func (s *Store) StartRun(ctx context.Context, host string, gallerySize int) (uuid.UUID, error) {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO attendance_runs (id, host, gallery_size)
		VALUES ($1::uuid, $2, $3)
	`, id.String(), host, gallerySize)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// InsertEvent mirrors one attendance event.
func (s *Store) InsertEvent(ctx context.Context, runID uuid.UUID, e types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO attendance_events (run_id, name, student_id, seen_at)
		VALUES ($1::uuid, $2, $3, $4)
	`, runID.String(), e.Name, e.StudentID, e.Timestamp)
	return err
}

// Filter narrows ListEvents. Zero values mean "no constraint".
type Filter struct {
	Since time.Time
	Until time.Time
	Name  string
	Limit int
}

// EventRecord is a mirrored event.
type EventRecord struct {
	ID    int64
	RunID uuid.UUID
	types.Event
}

// ListEvents returns mirrored events, oldest first.
func (s *Store) ListEvents(ctx context.Context, f Filter) ([]EventRecord, error) {
	where, args := f.clauses()
	query := "SELECT id, run_id::text, name, student_id, seen_at FROM attendance_events" + where + " ORDER BY seen_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var runID *string
		if err := rows.Scan(&r.ID, &runID, &r.Name, &r.StudentID, &r.Timestamp); err != nil {
			return nil, err
		}
		if runID != nil {
			r.RunID, _ = uuid.Parse(*runID)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PersonSummary aggregates one identity's attendance.
type PersonSummary struct {
	Name      string
	StudentID string
	Events    int
	Days      int
	First     time.Time
	Last      time.Time
}

// Summary aggregates events per (name, student id), most frequent first.
func (s *Store) Summary(ctx context.Context, f Filter) ([]PersonSummary, error) {
	where, args := f.clauses()
	query := `
		SELECT name, student_id, COUNT(*), COUNT(DISTINCT seen_at::date), MIN(seen_at), MAX(seen_at)
		FROM attendance_events` + where + `
		GROUP BY name, student_id
		ORDER BY COUNT(*) DESC, name ASC`

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersonSummary
	for rows.Next() {
		var p PersonSummary
		if err := rows.Scan(&p.Name, &p.StudentID, &p.Events, &p.Days, &p.First, &p.Last); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (f Filter) clauses() (string, []any) {
	var conds []string
	var args []any
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("seen_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		conds = append(conds, fmt.Sprintf("seen_at < $%d", len(args)))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		conds = append(conds, fmt.Sprintf("name = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Reset drops all application tables to clear the database state.
// The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_events CASCADE;
		DROP TABLE IF EXISTS attendance_runs CASCADE;
	`)
	return err
}

// RunSink mirrors events of one run.
type RunSink struct {
	Store *Store
	RunID uuid.UUID
	// Timeout bounds each insert so a stalled database never holds up capture.
	Timeout time.Duration
}

// Record implements attendance.Sink.
func (r RunSink) Record(ctx context.Context, e types.Event) error {
	if r.Store == nil {
		return errors.New("no mirror configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return r.Store.InsertEvent(ctx, r.RunID, e)
}
