// Command logexport bulk-exports log documents from a search index into
// chunked CSV files.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("logexport failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

type globalFlags struct {
	configPath string
	env        string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "logexport",
		Short:         "Export log documents from a search index into chunked CSV files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.New(apperrors.ErrInvalidConfig, err.Error())
	})

	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("LX_CONFIG"), "path to YAML config file (env LX_CONFIG)")
	root.PersistentFlags().StringVar(&g.env, "env", envOr("LX_ENV", ""), "environment label from the config file (env LX_ENV)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format override (text, json)")

	root.AddCommand(newExtractCmd(g), newCheckCmd(g), newRunsCmd(g))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
