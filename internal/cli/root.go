// Package cli holds the contextdb command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/contextdb/internal/config"
	"github.com/syntrixbase/contextdb/internal/contextdb"
	"github.com/syntrixbase/contextdb/internal/logging"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/storage"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "contextdb",
		Short: "contextdb - live document contexts over an ordered store",
		Long: `contextdb stores JSON documents in an ordered key-value store, indexes
them under declared matchers and serves live contexts: trees of matching
documents that follow the store and write local edits back.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default config/config.yml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))
	cmd.AddCommand(NewMatchersCommand(opts))

	return cmd
}

// engine is an opened store and database.
type engine struct {
	store *storage.Store
	db    *contextdb.DB
}

func (e *engine) Close() error {
	dbErr := e.db.Close()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return dbErr
}

// openEngine opens the configured store and a database over it with the
// declared matchers.
func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	matchers, err := matcher.LoadFromFile(cfg.MatchersPath)
	if err != nil {
		return nil, err
	}

	stCfg := cfg.Storage.Config
	stCfg.Logger = logger
	store, err := storage.Open(stCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db, err := contextdb.Open(ctx, store, matchers, cfg.Engine.Options, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &engine{store: store, db: db}, nil
}

// commandLogger logs to the command's stderr and the configured files.
func commandLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, error) {
	return logging.NewLogger(cfg.Logging, stderr)
}
