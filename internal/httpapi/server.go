// Package httpapi serves the read-only incident query API and Prometheus
// metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Queries is the read side of the engine. *engine.Engine implements it.
type Queries interface {
	Get(ctx context.Context, id string) (*domain.Incident, error)
	History(ctx context.Context, id string) ([]domain.AuditEvent, error)
	List(ctx context.Context) ([]*domain.Incident, error)
}

type handler struct {
	q   Queries
	log *slog.Logger
}

// NewRouter returns the API routes. None of them mutate state.
func NewRouter(q Queries) http.Handler {
	h := &handler{q: q, log: slog.Default().With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
	})
	return r
}

// list answers GET /incidents. Optional filters: state (repeatable or
// comma separated), namespace, active=true.
func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var states []domain.State
	for _, v := range query["state"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				states = append(states, domain.State(strings.ToUpper(s)))
			}
		}
	}
	namespace := query.Get("namespace")
	activeOnly := query.Get("active") == "true"

	incidents, err := h.q.List(r.Context())
	if err != nil {
		handleError(r.Context(), h.log, w, err)
		return
	}
	out := make([]*domain.Incident, 0, len(incidents))
	for _, inc := range incidents {
		if len(states) > 0 && !slices.Contains(states, inc.State) {
			continue
		}
		if namespace != "" && inc.Resource.Namespace != namespace {
			continue
		}
		if activeOnly && inc.State.Terminal() {
			continue
		}
		out = append(out, inc)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(r.Context(), h.log, w, err, errorMapping{domain.ErrIncidentNotFound, http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	events, err := h.q.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(r.Context(), h.log, w, err, errorMapping{domain.ErrIncidentNotFound, http.StatusNotFound})
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Server wraps http.Server with the API router.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

func NewServer(addr string, q Queries) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(q),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: slog.Default().With("component", "httpapi"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting http server", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
