package cli

import (
	"context"
	"errors"
	"fmt"

	"fundrails/internal/amount"
	"fundrails/internal/app"
	"fundrails/internal/dlq"
	"fundrails/internal/reconcile"

	"github.com/spf13/cobra"
)

// errNoSharedLock stops one-shot scan and sweep runs that could overlap with a
// running server, since without Redis each process only guards itself.
var errNoSharedLock = errors.New("redis is disabled, so this run cannot be kept from overlapping a running server; enable redis or pass --standalone if no server is running")

func requireSharedLock(a *app.App, standalone bool) error {
	if a.Config.Redis.Enabled || standalone {
		return nil
	}
	return errNoSharedLock
}

// NewScanCommand runs one scan tick under the same guard as the scheduled loop.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one reconciliation tick and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), rootOpts, true, func(ctx context.Context, a *app.App) error {
				if err := requireSharedLock(a, standalone); err != nil {
					return err
				}
				var report reconcile.TickReport
				err := a.ScanTask.RunWith(ctx, func(ctx context.Context) error {
					var runErr error
					report, runErr = a.Scanner.RunScanTick(ctx)
					return runErr
				})
				if err != nil && !errors.Is(err, reconcile.ErrWindowHeld) {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "run without a redis lock; only safe when no server is running")
	return cmd
}

func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire pending intents past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), rootOpts, true, func(ctx context.Context, a *app.App) error {
				if err := requireSharedLock(a, standalone); err != nil {
					return err
				}
				var n int64
				err := a.SweepTask.RunWith(ctx, func(ctx context.Context) error {
					var runErr error
					n, runErr = a.Funding.ExpireDue(ctx)
					return runErr
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"expired": n})
			})
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "run without a redis lock; only safe when no server is running")
	return cmd
}

func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "List dead-lettered settlement failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), rootOpts, true, func(_ context.Context, a *app.App) error {
				records, err := a.Failures.List()
				if err != nil {
					return err
				}
				if records == nil {
					records = []dlq.Record{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
}

func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <intent-id>",
		Short: "Reject a pending funding intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, true, func(ctx context.Context, a *app.App) error {
				if err := a.Funding.Reject(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"intentId": args[0], "status": "rejected"})
			})
		},
	}
}

type resolveOptions struct {
	TxRef  string
	Amount string
}

func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve <intent-id>",
		Short: "Settle an intent manually against a known transfer",
		Long: `Settle a pending or expired intent against a transfer the scanner could not
match, crediting the owner with the given amount. Repeating the command with
the same --tx-ref is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paid, err := amount.Parse(opts.Amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withApp(cmd.Context(), rootOpts, true, func(ctx context.Context, a *app.App) error {
				it, err := a.Funding.ResolveManually(ctx, args[0], opts.TxRef, paid)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"intentId": it.ID,
					"status":   string(it.Status),
					"txRef":    it.SettledTxRef,
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.TxRef, "tx-ref", "", "transfer reference (txhash:logindex)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount received")
	_ = cmd.MarkFlagRequired("tx-ref")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
