// Package commands defines all Cobra CLI commands for the raged binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mfittko/rag-stack/internal/audit"
	"github.com/mfittko/rag-stack/internal/config"
	"github.com/mfittko/rag-stack/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "raged",
		Short: "raged — retrieval service for AI agents",
		Long: `raged is a retrieval service for AI agents: ingest text or URLs, then
query the most relevant stored fragments with semantic, metadata, or
full-text strategies. Enrichment workers attach summaries, entities, and
relationships asynchronously through the built-in task queue.

Configuration comes from environment variables, optionally layered over a
YAML config file (~/.raged/config.yaml). See 'raged --help' for commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env is a development convenience; a missing file is fine.
			_ = godotenv.Load()

			log := logging.New()

			// Layer YAML config under env vars (env always wins).
			path, err := config.ApplyFile(configPath, log)
			if err != nil {
				return err
			}

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), path)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.raged/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewMigrateCmd(),
		NewVersionCmd(),
	)

	return root
}
