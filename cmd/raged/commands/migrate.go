package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mfittko/rag-stack/internal/config"
	"github.com/mfittko/rag-stack/internal/logging"
	"github.com/mfittko/rag-stack/internal/store"
)

// NewMigrateCmd constructs the `raged migrate` command, which applies the
// database schema and exits.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Long: `Apply the raged database schema (documents, chunks, tasks, entities)
to the database named by DATABASE_URL, then exit. Safe to run repeatedly —
every statement is idempotent. The pgvector extension must be installable by
the connecting role.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			st, err := store.Open(ctx, cfg.DatabaseURL, cfg.VectorDim)
			if err != nil {
				return fmt.Errorf("migrate: open store: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return err
			}

			log.Info("migration applied", slog.Int("vector_dim", cfg.VectorDim))
			return nil
		},
	}
}
