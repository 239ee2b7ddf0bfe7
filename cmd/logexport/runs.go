package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/audit"
	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/postgres"
	"github.com/spf13/cobra"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent export runs from the audit table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g)
			if err != nil {
				return err
			}
			if !cfg.Postgres.Enabled {
				return apperrors.New(apperrors.ErrInvalidConfig, "postgres is not enabled, no run audit to read")
			}
			db, err := postgres.New(cfg.Postgres)
			if err != nil {
				return apperrors.Newf(apperrors.ErrConnection, "%v", err)
			}
			defer db.Close()

			runs, err := audit.New(db.DB).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENV\tINDEX\tSTARTED\tDURATION\tSTATUS\tRECORDS\tCHUNKS\tLEVELS")
			for _, r := range runs {
				duration := "-"
				if r.FinishedAt != nil {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Env, r.Index, r.StartedAt.Format(time.RFC3339), duration,
					r.Status, r.Records, r.Chunks, strings.Join(r.Filters.Levels, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}
