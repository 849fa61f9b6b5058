// Package statusserver provides the pipeline's minimal operator-facing
// HTTP surface: a liveness check, a Prometheus scrape endpoint, and a
// JSON mirror of the `stats` CLI subcommand. It is pure observability —
// no worker depends on it being reachable, and scout/record/approve/
// publish/compile all run unaffected if it is disabled or down.
//
// Grounded on the teacher's internal/api Chi router composition
// (chi_router.go, chi_middleware.go) and its handlers_health.go probes,
// reduced from its many authenticated analytics/admin route groups to
// the three read-only endpoints this pipeline actually needs.
package statusserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	jsonCodec "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/rategate"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Server wraps an http.Server bound to a Chi router.
type Server struct {
	httpServer *http.Server
	db         *store.DB
	gate       *rategate.Gate
	startTime  time.Time
}

// New builds a Server listening on listenAddress. db and gate back the
// /stats and /metrics handlers; gate may be nil if rate-gate reporting
// isn't wanted.
func New(listenAddress string, db *store.DB, gate *rategate.Gate) *Server {
	s := &Server{db: db, gate: gate, startTime: time.Now()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{},
		AllowedMethods: []string{"GET"},
	}))
	// Generous but non-zero: this surface is for operators and
	// Prometheus scrapers, not end users, but it still shouldn't be an
	// open amplification vector.
	r.Use(httprate.LimitByIP(600, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              listenAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve matches suture.Service: it blocks running the HTTP server until
// ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("address", s.httpServer.Addr).Msg("statusserver: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) String() string {
	return "statusserver"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	statusCode := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, map[string]any{
		"status": status,
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := CollectStats(r.Context(), s.db, s.gate)
	if err != nil {
		logging.Err(err).Msg("statusserver: collecting stats")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	setSnapshotGauges(stats)
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsonCodec.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("statusserver: encoding response")
	}
}
