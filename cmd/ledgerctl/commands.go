package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/pnl-ledger/internal/ledger"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var asset string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay trade history and compare it with the committed books",
		Long: `Replays the full trade history of one book (--asset) or of every book of
the account and compares the result with the committed state. Exits non-zero
on any mismatch; nothing is repaired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *ledger.Engine) error {
				var err error
				if asset != "" {
					err = e.Verify(cmd.Context(), opts.account, asset)
				} else {
					err = e.VerifyAccount(cmd.Context(), opts.account)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "consistent")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&asset, "asset", "", "verify a single asset instead of the whole account")
	return cmd
}

func newPositionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "position [asset]",
		Short: "Print open positions and realized PnL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *ledger.Engine) error {
				if len(args) == 0 {
					positions, err := e.ListPositions(cmd.Context(), opts.account)
					if err != nil {
						return err
					}
					realized, err := e.GetRealizedPnL(cmd.Context(), opts.account, "")
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"positions":    positions,
						"realized_pnl": realized,
					})
				}

				realized, err := e.GetRealizedPnL(cmd.Context(), opts.account, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"realized_pnl": realized, "position": nil}
				pos, err := e.GetPosition(cmd.Context(), opts.account, args[0])
				switch {
				case errors.Is(err, ledger.ErrNoPosition):
				case err != nil:
					return err
				default:
					out["position"] = pos
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newLotsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lots <asset>",
		Short: "Print the open lots of a book, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *ledger.Engine) error {
				lots, err := e.Lots(cmd.Context(), opts.account, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lots)
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <asset>",
		Short: "Print the trade history of a book in application order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd.Context(), func(e *ledger.Engine) error {
				trades, err := e.History(cmd.Context(), opts.account, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), trades)
			})
		},
	}
}
