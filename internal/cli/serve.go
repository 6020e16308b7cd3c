package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/contextdb/internal/config"
	"github.com/syntrixbase/contextdb/internal/gateway"
	"github.com/syntrixbase/contextdb/internal/logging"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) (err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger, err := logging.Initialize(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, logging.Shutdown())
	}()

	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, eng.Close())
	}()

	srv := gateway.New(cfg.Server, eng.db, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("Shutting down")
	return nil
}
