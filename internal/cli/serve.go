package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fundrails/internal/app"

	"github.com/spf13/cobra"
)

// NewServeCommand runs the HTTP API together with the scan and sweep loops.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, scanner and expiry sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, rootOpts, false, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
}
