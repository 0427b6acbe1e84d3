package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/vineyard/internal/dashboard"
)

type Server struct {
	svc  *dashboard.Service
	port string
	now  func() time.Time

	ctx context.Context
	bg  sync.WaitGroup
}

func NewServer(svc *dashboard.Service, port string) *Server {
	return &Server{
		svc:  svc,
		port: port,
		now:  time.Now,
		ctx:  context.Background(),
	}
}

// SetContext bounds background work started by handlers. Run sets it to its
// own context.
func (s *Server) SetContext(ctx context.Context) {
	s.ctx = ctx
}

// Wait blocks until background work started by handlers has finished.
func (s *Server) Wait() {
	s.bg.Wait()
}

// SetClock overrides the clock used for default years.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/analytics/monthly", s.handleMonthly)
		r.Get("/analytics/blocks", s.handleBlocks)
		r.Get("/analytics/costs", s.handleCosts)
		r.Post("/analytics/refresh", s.handleAnalyticsRefresh)

		r.Get("/ndvi", s.handleNDVI)
		r.Post("/ndvi/refresh", s.handleNDVIRefresh)
	})
	return r
}

// Run serves until ctx is cancelled, then waits for background NDVI runs to
// record their outcome.
func (s *Server) Run(ctx context.Context) error {
	s.SetContext(ctx)
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	err := server.ListenAndServe()
	s.Wait()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status         string     `json:"status"`
	Sources        string     `json:"sources"`
	Degraded       []string   `json:"degraded,omitempty"`
	LastReport     *time.Time `json:"last_report,omitempty"`
	NDVIConfigured bool       `json:"ndvi_configured"`
	NDVIRunning    bool       `json:"ndvi_running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ndviStatus := s.svc.NDVI()
	health := HealthStatus{
		Status:         "ok",
		Sources:        s.svc.SourceState().String(),
		NDVIConfigured: s.svc.NDVIConfigured(),
		NDVIRunning:    ndviStatus.Running,
	}

	if a := s.svc.Current(); a != nil {
		asOf := a.AsOf
		health.LastReport = &asOf
		if a.Incomplete() {
			health.Status = "degraded"
			health.Degraded = a.Degraded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("health: write response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
