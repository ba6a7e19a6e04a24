// Package web serves the published attendance copy to the dashboard.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/propagate"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server exposes the published copy over HTTP. It only ever reads the file
// the propagator writes, so it never contends with the recorder.
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	publishPath string
	logger      *logger.Logger
}

// Row is one attendance event as JSON.
type Row struct {
	Name      string `json:"name"`
	StudentID string `json:"student_id"`
	Timestamp string `json:"timestamp"`
}

func NewServer(addr, publishPath string, log *logger.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{router: r, publishPath: publishPath, logger: log}

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/attendance.csv", s.handleCSV)
	r.Get("/api/attendance", s.handleRows)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler is the router, exposed for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Serving %s on %s", s.publishPath, s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readPublished(w)
	if !ok {
		return
	}
	etag := `"` + propagate.Sum(data).String() + `"`
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readPublished(w)
	if !ok {
		return
	}
	events, err := attendance.ParseRows(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "published copy is not valid CSV")
		return
	}

	name := r.URL.Query().Get("name")
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		if name != "" && e.Name != name {
			continue
		}
		rec := e.Record()
		rows = append(rows, Row{Name: rec[0], StudentID: rec[1], Timestamp: rec[2]})
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) readPublished(w http.ResponseWriter) ([]byte, bool) {
	data, err := os.ReadFile(s.publishPath)
	if errors.Is(err, fs.ErrNotExist) {
		respondError(w, http.StatusNotFound, "nothing published yet")
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to read %s: %v", s.publishPath, err)
		respondError(w, http.StatusInternalServerError, "failed to read attendance")
		return nil, false
	}
	return data, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// cors lets the dashboard poll from its own dev server origin. Only reads are exposed.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
