// Package cli implements the fundrails command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"fundrails/internal/app"
	"fundrails/internal/config"
	"fundrails/internal/logger"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the fundrails root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fundrails",
		Short: "Amount-correlated funding reconciliation",
		Long: `fundrails hands out unique payable amounts for funding intents and credits
owners when a matching token transfer reaches the collection address.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: fundrails.yaml in ., ./config or /etc/fundrails)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewExpireCommand(opts))
	cmd.AddCommand(NewFailuresCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))

	return cmd
}

// withApp loads configuration, builds the app and closes it after fn.
// One-shot commands log to stderr so stdout carries only the JSON result.
func withApp(ctx context.Context, opts *RootOptions, oneShot bool, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if oneShot && cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
