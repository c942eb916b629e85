// Package commands implements the hugefs command line.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/internal/repository/postgres"
	"github.com/S1riyS/hugefs/internal/repository/sqlite"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hugefs",
	Short: "hugefs - archival filesystem with content-addressed storage",
	Long: `hugefs is a FUSE filesystem for large archival files. Closed files are
sealed into immutable, deduplicated objects that can be mirrored to other
stores.

Use "hugefs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "path to the config file")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(migrateCmd)
}

// setup loads the config and returns a context carrying the process logger.
func setup() (context.Context, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	slog.SetDefault(logger)

	return logging.MakeContextWithLogger(context.Background(), logger), cfg, nil
}

func openRepositories(ctx context.Context, cfg config.DatabaseConfig) (*repository.Repositories, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Postgres)
	default:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqlite.Open(ctx, cfg.SQLite)
	}
}

// backend is everything a command needs to work on the stores directly.
type backend struct {
	repos   *repository.Repositories
	meta    *metadata.Store
	content *content.Store
	metrics *metrics.Metrics
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	repos, err := openRepositories(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	meta := metadata.NewStore(repos, metadata.Options{RootUID: cfg.App.RootUID, RootGID: cfg.App.RootGID})
	if _, err := meta.Bootstrap(ctx); err != nil {
		_ = repos.Close()
		return nil, err
	}

	m := metrics.New()
	store, err := content.Open(ctx, cfg.Content, m)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}

	return &backend{repos: repos, meta: meta, content: store, metrics: m}, nil
}

func (b *backend) Close() {
	if err := b.content.Close(); err != nil {
		slog.Default().Warn("Failed to close content store", slogext.Err(err))
	}
	if err := b.repos.Close(); err != nil {
		slog.Default().Warn("Failed to close metadata", slogext.Err(err))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
