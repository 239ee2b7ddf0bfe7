package main

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/health"
	"github.com/spf13/cobra"
)

func newCheckCmd(g *globalFlags) *cobra.Command {
	var engineKind string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the search engine and the enabled services are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, env, err := loadConfig(g)
			if err != nil {
				return err
			}
			engine, err := newEngine(engineKind, env, 0)
			if err != nil {
				return err
			}
			svc := connectServices(cfg)
			defer svc.Close()

			report := newChecker(cfg, engine, svc).Run(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			if report.Status == health.StatusDown {
				return apperrors.Newf(apperrors.ErrConnection, "unhealthy: %v", report.Unhealthy())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&engineKind, "engine", engineElastic, "search engine: elastic or memory")
	return cmd
}
