package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/routebench/internal/config"
	"github.com/signalnine/routebench/internal/corpus"
)

var flagCorpusLimit int

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus [path]",
		Short: "Count the queries of a corpus per Dijkstra rank",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, !cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			path := cfg.Corpus.Path
			if len(args) > 0 {
				path = args[0]
			}
			queries, err := corpus.Load(path, flagCorpusLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Corpus: %s (%d queries)\n\n", path, len(queries))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tQUERIES")
			for _, rc := range corpus.CountByRank(queries) {
				fmt.Fprintf(tw, "%d\t%d\n", rc.Rank, rc.Count)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&flagCorpusLimit, "limit", 0, "only read the first N queries")
	return cmd
}
