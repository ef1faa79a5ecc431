// Command forum runs the niuforum API and its maintenance tasks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"niuforum/api/internal/config"
	"niuforum/api/internal/logging"
	"niuforum/api/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "forum",
	Short:         "niuforum API server and maintenance commands",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logging.Setup(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, initCmd, renderCmd, cssCmd, reindexCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("forum")
		stop()
		os.Exit(1)
	}
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
		return nil
	},
}
