package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	runID, err := s.StartRun(ctx, "classroom-1", 2)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if runID == uuid.Nil {
		t.Fatal("StartRun returned nil uuid")
	}

	day1 := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	sink := RunSink{Store: s, RunID: runID, Timeout: 5 * time.Second}
	events := []types.Event{
		types.NewEvent(types.Identity{Name: "Alice", StudentID: "123"}, day1),
		types.NewEvent(types.Identity{Name: "Bob", StudentID: "456"}, day1.Add(time.Minute)),
		types.NewEvent(types.Identity{Name: "Alice", StudentID: "123"}, day2),
	}
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	all, err := s.ListEvents(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	if all[0].Name != "Alice" || all[0].RunID != runID || !all[0].Timestamp.Equal(day1) {
		t.Errorf("first event = %+v", all[0])
	}

	filtered, err := s.ListEvents(ctx, Filter{Since: day1.Add(time.Hour), Name: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || !filtered[0].Timestamp.Equal(day2) {
		t.Errorf("filtered events = %+v", filtered)
	}

	limited, err := s.ListEvents(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 events with limit, got %d", len(limited))
	}

	summary, err := s.Summary(ctx, Filter{})
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("Expected 2 people, got %d", len(summary))
	}
	if summary[0].Name != "Alice" || summary[0].Events != 2 || summary[0].Days != 2 {
		t.Errorf("Alice summary = %+v", summary[0])
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListEvents(ctx, Filter{}); err == nil {
		t.Error("Expected query against dropped tables to fail")
	}
}

func TestFilterClauses(t *testing.T) {
	since := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		f        Filter
		want     string
		wantArgs int
	}{
		{"empty", Filter{}, "", 0},
		{"since", Filter{Since: since}, " WHERE seen_at >= $1", 1},
		{"since and name", Filter{Since: since, Name: "Alice"}, " WHERE seen_at >= $1 AND name = $2", 2},
		{"all", Filter{Since: since, Until: since, Name: "Bob"}, " WHERE seen_at >= $1 AND seen_at < $2 AND name = $3", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.f.clauses()
			if got != tt.want || len(args) != tt.wantArgs {
				t.Errorf("clauses() = %q (%d args), want %q (%d args)", got, len(args), tt.want, tt.wantArgs)
			}
		})
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
