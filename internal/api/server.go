package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// Store is the part of the search store the status API reads
type Store interface {
	ListIndices(ctx context.Context) ([]search.IndexInfo, error)
	GetAliases(ctx context.Context, names ...string) ([]search.AliasBinding, error)
}

// RunHistory is the persisted run log. Load re-reads it so runs recorded by
// other processes show up.
type RunHistory interface {
	Load() error
	Runs() []runstate.Run
	LastRun(operation string) (*runstate.Run, bool)
}

// Server represents the status API server
type Server struct {
	store   Store
	history RunHistory
	// aliases must all be bound for the server to report ready
	aliases []string
	timeout time.Duration
}

// NewServer creates a new API server
func NewServer(store Store, history RunHistory, requiredAliases ...string) *Server {
	return &Server{
		store:   store,
		history: history,
		aliases: requiredAliases,
		timeout: 10 * time.Second,
	}
}

// Router setups the API routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/indexes", s.handleListIndexes)
	r.Get("/indexes/{index}", s.handleIndexStatus)
	r.Get("/aliases/{alias}", s.handleAlias)
	r.Get("/runs", s.handleRuns)
	r.Get("/runs/{operation}/last", s.handleLastRun)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "search store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if _, err := s.store.ListIndices(ctx); err != nil {
		log.Printf("Readiness check failed - cannot list indexes: %v", err)
		http.Error(w, "search store not ready", http.StatusServiceUnavailable)
		return
	}

	checks := map[string]string{"store": "ok"}
	ready := true
	if len(s.aliases) > 0 {
		bindings, err := s.store.GetAliases(ctx, s.aliases...)
		if err != nil {
			log.Printf("Readiness check failed - cannot read aliases: %v", err)
			http.Error(w, "search store not ready", http.StatusServiceUnavailable)
			return
		}
		bound := make(map[string]bool, len(bindings))
		for _, b := range bindings {
			bound[b.Alias] = true
		}
		for _, alias := range s.aliases {
			if bound[alias] {
				checks["alias:"+alias] = "ok"
			} else {
				checks["alias:"+alias] = "unbound"
				ready = false
			}
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	response(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	indexes, err := s.store.ListIndices(ctx)
	if err != nil {
		log.Printf("List indexes error: %v", err)
		http.Error(w, "failed to list indexes", http.StatusInternalServerError)
		return
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })

	response(w, http.StatusOK, map[string]interface{}{
		"indexes": indexes,
		"total":   len(indexes),
	})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	indexes, err := s.store.ListIndices(ctx)
	if err != nil {
		log.Printf("Status error: %v", err)
		http.Error(w, "failed to get status", http.StatusInternalServerError)
		return
	}

	for _, idx := range indexes {
		if idx.Name == index {
			response(w, http.StatusOK, map[string]interface{}{
				"service": "green-home-search",
				"index":   idx,
			})
			return
		}
	}
	http.Error(w, "index not found", http.StatusNotFound)
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	bindings, err := s.store.GetAliases(ctx, alias)
	if err != nil {
		log.Printf("Alias lookup error: %v", err)
		http.Error(w, "failed to read alias", http.StatusInternalServerError)
		return
	}
	if len(bindings) == 0 {
		http.Error(w, "alias not bound", http.StatusNotFound)
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"alias":    alias,
		"bindings": bindings,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.reloadHistory(w) {
		return
	}
	runs := s.history.Runs()
	response(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if !s.reloadHistory(w) {
		return
	}
	run, ok := s.history.LastRun(chi.URLParam(r, "operation"))
	if !ok {
		http.Error(w, "no runs recorded for operation", http.StatusNotFound)
		return
	}
	response(w, http.StatusOK, run)
}

func (s *Server) reloadHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return false
	}
	if err := s.history.Load(); err != nil {
		log.Printf("Run history error: %v", err)
		http.Error(w, "failed to read run history", http.StatusInternalServerError)
		return false
	}
	return true
}

func response(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Unable to encode response: %v", err)
	}
}
