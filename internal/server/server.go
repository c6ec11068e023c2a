package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfittko/rag-stack/internal/logging"
)

// New constructs a Server from the provided services and config.
func New(ingester Ingester, querier Querier, enricher Enricher, expander Expander, docs DocReader, cfg *Config) (*Server, error) {
	if ingester == nil || querier == nil || enricher == nil || expander == nil || docs == nil {
		return nil, fmt.Errorf("server: all services must be non-nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = 32 << 20
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Ingestion of large batches can legitimately take a while.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		ingester: ingester,
		querier:  querier,
		enricher: enricher,
		expander: expander,
		docs:     docs,
		metrics:  newServerMetrics(registry),
		pingers:  cfg.Pingers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/download-first", s.handleDownloadFirst)
	mux.HandleFunc("POST /query/fulltext-first", s.handleFulltextFirst)
	mux.HandleFunc("GET /collections", s.handleCollections)

	mux.HandleFunc("GET /enrichment/status/{baseId}", s.handleEnrichmentStatus)
	mux.HandleFunc("GET /enrichment/stats", s.handleEnrichmentStats)
	mux.HandleFunc("POST /enrichment/enqueue", s.handleEnrichmentEnqueue)
	mux.HandleFunc("POST /enrichment/clear", s.handleEnrichmentClear)

	mux.HandleFunc("POST /internal/tasks/claim", s.handleTaskClaim)
	mux.HandleFunc("POST /internal/tasks/{id}/result", s.handleTaskResult)
	mux.HandleFunc("POST /internal/tasks/{id}/fail", s.handleTaskFail)
	mux.HandleFunc("POST /internal/tasks/recover-stale", s.handleTaskRecoverStale)

	mux.HandleFunc("GET /graph/entity/{name}", s.handleGraphEntity)

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger)
	s.stopRL = stopRL

	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIToken, handler)
	handler = rl.middleware(handler)
	handler = s.metricsMiddleware(handler)
	handler = bodyLimit(cfg.BodyLimitBytes, handler)
	handler = requestLogger(cfg.Logger, handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// Handler exposes the fully-wired handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// bodyLimit caps the request body size; reads past the limit fail and the
// JSON decode helper maps that failure to 413.
func bodyLimit(limit int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, int64(limit))
		}
		next.ServeHTTP(w, r)
	})
}
