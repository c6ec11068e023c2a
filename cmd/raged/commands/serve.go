package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfittko/rag-stack/internal/blob"
	"github.com/mfittko/rag-stack/internal/config"
	"github.com/mfittko/rag-stack/internal/embedder"
	"github.com/mfittko/rag-stack/internal/enrich"
	"github.com/mfittko/rag-stack/internal/fetcher"
	"github.com/mfittko/rag-stack/internal/graph"
	"github.com/mfittko/rag-stack/internal/ingest"
	"github.com/mfittko/rag-stack/internal/logging"
	"github.com/mfittko/rag-stack/internal/query"
	"github.com/mfittko/rag-stack/internal/server"
	"github.com/mfittko/rag-stack/internal/store"
)

// NewServeCmd constructs the `raged serve` command, which starts the HTTP
// API server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the raged HTTP API server",
		Long: `Start the raged HTTP API server.

The server exposes ingestion, query, enrichment queue, worker protocol, and
graph endpoints over JSON/HTTP with Bearer token authentication.

Examples:
  raged serve
  raged serve --port 8080
  DATABASE_URL=postgres://localhost/raged raged serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			if cfg.APIToken == "" {
				log.Warn("serve: RAGED_API_TOKEN is empty — authentication is disabled")
			}

			st, err := store.Open(ctx, cfg.DatabaseURL, cfg.VectorDim)
			if err != nil {
				return fmt.Errorf("serve: open store: %w", err)
			}
			defer st.Close()
			log.Info("store connected", slog.Int("vector_dim", cfg.VectorDim))

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("serve: migrate: %w", err)
			}

			emb, err := embedder.New(cfg)
			if err != nil {
				return fmt.Errorf("serve: embedder: %w", err)
			}
			log.Info("embedder initialised", slog.String("provider", cfg.EmbedProvider))

			// Blob store is optional; nil disables the raw-payload fallback.
			var blobs blob.Store
			pingers := []server.Pinger{st}
			if ms, err := blob.New(ctx, cfg); err != nil {
				return fmt.Errorf("serve: blob store: %w", err)
			} else if ms != nil {
				blobs = ms
				pingers = append(pingers, ms)
				log.Info("blob store connected", slog.String("bucket", cfg.BlobBucket))
			} else {
				log.Info("blob store not configured — raw payloads stay inline")
			}

			ingester, err := ingest.New(st, emb, fetcher.New(), blobs, ingest.Config{
				EnrichmentEnabled:  cfg.EnrichmentEnabled,
				BlobThresholdBytes: cfg.BlobThresholdBytes,
			})
			if err != nil {
				return fmt.Errorf("serve: ingest service: %w", err)
			}

			querier, err := query.New(st, emb, blobs)
			if err != nil {
				return fmt.Errorf("serve: query service: %w", err)
			}

			enricher, err := enrich.New(st, cfg.TaskLease)
			if err != nil {
				return fmt.Errorf("serve: enrich service: %w", err)
			}

			expander, err := graph.New(st)
			if err != nil {
				return fmt.Errorf("serve: graph service: %w", err)
			}

			srv, err := server.New(ingester, querier, enricher, expander, st, &server.Config{
				Host:           cfg.Host,
				Port:           cfg.Port,
				APIToken:       cfg.APIToken,
				BodyLimitBytes: cfg.BodyLimitBytes,
				Logger:         log,
				Pingers:        pingers,
			})
			if err != nil {
				return fmt.Errorf("serve: server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "TCP port (overrides PORT)")

	return cmd
}
