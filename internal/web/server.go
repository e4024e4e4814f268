// Package web provides an HTTP status server for the irrigation controller.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/status"
)

// HistoryReader lists recent cycles.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Options are the optional parts of the server. A nil field disables its route.
type Options struct {
	History HistoryReader
	Metrics http.Handler
	Logger  *zerolog.Logger
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	history    HistoryReader
	log        zerolog.Logger
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{tracker: tracker, history: opts.History, log: zerolog.Nop()}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if s.history != nil {
		mux.HandleFunc("/history.json", s.handleHistory)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Warn().Err(err).Msg("rendering status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("reading cycle history")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Cycles []history.Record `json:"cycles"`
	}{Cycles: records})
}
