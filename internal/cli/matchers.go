package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/contextdb/internal/config"
	"github.com/syntrixbase/contextdb/internal/matcher"
)

// MatcherInfo describes one compiled matcher.
type MatcherInfo struct {
	Ref         string `json:"ref"`
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	Collection  bool   `json:"collection"`
}

// NewMatchersCommand creates the matchers command.
func NewMatchersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "matchers",
		Short: "Compile the declared matchers and list their fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			declared, err := matcher.LoadFromFile(cfg.MatchersPath)
			if err != nil {
				return err
			}
			set, err := matcher.NewSet(declared, cfg.Engine.FingerprintAlgorithm)
			if err != nil {
				return err
			}

			infos := make([]MatcherInfo, 0, set.Len())
			for _, m := range set.All() {
				infos = append(infos, MatcherInfo{
					Ref:         m.Ref,
					Fingerprint: m.Fingerprint,
					Path:        m.TreePath(),
					Collection:  m.Collection,
				})
			}

			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tPATH\tCOLLECTION\tFINGERPRINT")
			for _, m := range infos {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", m.Ref, m.Path, m.Collection, m.Fingerprint)
			}
			return w.Flush()
		},
	}
}
