package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/taskgraph/tracing"
)

// GraphSnapshot is the subset of graphstore.Graph the status server needs.
// Declared here rather than imported directly so metrics never depends on
// graphstore; session wires the concrete *graphstore.Graph in, since it
// already satisfies this interface.
type GraphSnapshot interface {
	Len() int
	ReadyLen() int
	RunningCount() int
}

// StatusServer serves the Prometheus scrape endpoint and a small read-only
// JSON status API describing one session's collector counters and graph
// occupancy.
type StatusServer struct {
	router    chi.Router
	collector *Collector
	graph     GraphSnapshot
	addr      string
	server    *http.Server
}

// NewStatusServer creates a StatusServer wired to collector and graph,
// listening on addr once Start is called. graph may be nil if no session
// is attached yet.
func NewStatusServer(collector *Collector, graph GraphSnapshot, addr string) *StatusServer {
	s := &StatusServer{collector: collector, graph: graph, addr: addr}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(tracing.HTTPMiddleware)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/metrics", PrometheusHandler(collector))
	r.Get("/healthz", s.handleHealth)

	s.router = r
	return s
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (s *StatusServer) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.addr).Msg("status server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the status server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := struct {
		Collector *Stats `json:"collector"`
		Graph     *graphCounts `json:"graph,omitempty"`
	}{
		Collector: s.collector.Stats(),
	}
	if s.graph != nil {
		body.Graph = &graphCounts{
			Total:   s.graph.Len(),
			Ready:   s.graph.ReadyLen(),
			Running: s.graph.RunningCount(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *StatusServer) handleTasks(w http.ResponseWriter, _ *http.Request) {
	if s.graph == nil {
		writeJSON(w, http.StatusOK, graphCounts{})
		return
	}
	writeJSON(w, http.StatusOK, graphCounts{
		Total:   s.graph.Len(),
		Ready:   s.graph.ReadyLen(),
		Running: s.graph.RunningCount(),
	})
}

type graphCounts struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	Running int `json:"running"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("status server: encoding response")
	}
}
