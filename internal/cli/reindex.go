package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/contextdb/internal/config"
)

// ReindexResult is the output of the reindex command.
type ReindexResult struct {
	Documents  int64 `json:"documents"`
	DurationMs int64 `json:"duration_ms"`
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index of every document",
		Long: `Replay every stored document through the matchers and rewrite its index
entries, whether or not the declared matchers changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			logger, err := commandLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			eng, err := openEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, eng.Close())
			}()

			res, err := eng.db.Reindex(cmd.Context())
			if err != nil {
				return err
			}

			out := ReindexResult{Documents: res.Documents, DurationMs: res.Duration.Milliseconds()}
			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d documents in %dms\n", out.Documents, out.DurationMs)
			return err
		},
	}
}
