package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/observability"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent quote runs recorded in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Unmarshal(v)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("run history is disabled: set database.url or DATABASE_URL")
			}
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			history, closeHistory, err := openHistory(ctx, cfg.Database.URL, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeHistory()

			runs, err := history.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tCARRIER\tSTATUS\tQUOTES\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.CreatedAt.UTC().Format(time.RFC3339), r.Summary.Carrier,
					r.Summary.Status, r.Summary.QuoteCount, r.Error)
			}
			return tw.Flush()
		},
	}
	historyCmd.Flags().IntP("limit", "n", 10, "number of runs to show")
	return historyCmd
}
