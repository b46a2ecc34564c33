// Package dashboard serves the read-only status API and the Prometheus
// endpoint. All queries go straight to the store's read side; nothing here
// writes case or GPU state.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/store"
)

type Server struct {
	store *store.Store
	queue broker.Queue
	inbox string
}

func NewServer(s *store.Store, q broker.Queue, inbox string) *Server {
	return &Server{store: s, queue: q, inbox: inbox}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/cases", s.handleCaseList)
	mux.HandleFunc("GET /v1/cases/{id}", s.handleCaseDetail)
	mux.HandleFunc("GET /v1/cases/{id}/history", s.handleCaseHistory)
	mux.HandleFunc("GET /v1/gpus", s.handleGPUList)
	mux.HandleFunc("GET /v1/parked", s.handleParkedList)
	mux.HandleFunc("GET /v1/dlq", s.handleDLQ)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handleCaseList(w http.ResponseWriter, r *http.Request) {
	cases, err := s.store.ListCases()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cases == nil {
		cases = []models.Case{}
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.LoadCase(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "case not found", http.StatusNotFound)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaseHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.CaseHistory(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGPUList(w http.ResponseWriter, r *http.Request) {
	gpus, err := s.store.ListGPUs()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if gpus == nil {
		gpus = []models.GPU{}
	}
	writeJSON(w, http.StatusOK, gpus)
}

func (s *Server) handleParkedList(w http.ResponseWriter, r *http.Request) {
	parked, err := s.store.ListParked()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if parked == nil {
		parked = []models.ParkedCase{}
	}
	writeJSON(w, http.StatusOK, parked)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.DLQDepth(r.Context(), s.inbox)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.inbox, "depth": depth})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("Dashboard: %s %s failed: %v", r.Method, r.URL.Path, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Dashboard: encoding response: %v", err)
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Dashboard: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
