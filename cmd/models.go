package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"claude-bridge/internal/mapping"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List OpenAI model ids and the backend models they map to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cleanup, err := root.load(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			mapper, err := mapping.New(cfg.Models.Default, cfg.Models.Aliases)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tBACKEND")
			for _, alias := range mapper.List() {
				fmt.Fprintf(tw, "%s\t%s\n", alias.ID, alias.Backend)
			}
			fmt.Fprintf(tw, "(default)\t%s\n", mapper.Default())
			return tw.Flush()
		},
	}
}
