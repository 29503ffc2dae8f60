package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/contentdigest/internal/events"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/orchestrator"
)

// RunStore is the narrow seam over kvstore.Store this package depends
// on, matching the interface-extraction pattern used by
// internal/orchestrator and internal/httpapi.
type RunStore interface {
	Query(ctx context.Context, table string, predicate func(key string, record json.RawMessage) bool) ([]kvstore.Item, error)
}

// Server hosts the admin dashboard and the per-run WebSocket stream.
type Server struct {
	address    string
	runs       RunStore
	bus        *events.Bus
	logger     *slog.Logger
	templates  map[string]*template.Template
	httpServer *http.Server
}

// NewServer constructs a Server. bus may be nil, in which case the
// stream endpoint upgrades the connection and then closes it at once
// without sending anything.
func NewServer(address string, runs RunStore, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{address: address, runs: runs, bus: bus, logger: logger, templates: loadTemplates()}
}

// Start builds the route table and serves until Shutdown is called or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleRunStream)

	s.httpServer = &http.Server{
		Addr:         s.address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the stream endpoint is long-lived
	}

	s.logger.Info("web: listening", "address", s.address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type dashboardData struct {
	Runs []orchestrator.RunManifest
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.listRuns(r.Context())
	if err != nil {
		s.logger.Error("web: list runs failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.render(w, "dashboard.html", dashboardData{Runs: runs})
}

type runDetailData struct {
	RunID string
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	s.render(w, "run_detail.html", runDetailData{RunID: r.PathValue("id")})
}

// listRuns loads every persisted RunManifest, most recent first.
func (s *Server) listRuns(ctx context.Context) ([]orchestrator.RunManifest, error) {
	if s.runs == nil {
		return nil, nil
	}
	items, err := s.runs.Query(ctx, orchestrator.Table, nil)
	if err != nil {
		return nil, err
	}
	runs := make([]orchestrator.RunManifest, 0, len(items))
	for _, it := range items {
		var m orchestrator.RunManifest
		if err := json.Unmarshal(it.Record, &m); err != nil {
			continue
		}
		runs = append(runs, m)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}
