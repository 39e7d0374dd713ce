package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atmx/pnl-ledger/internal/config"
	"github.com/atmx/pnl-ledger/internal/ledger"
	"github.com/atmx/pnl-ledger/internal/store"
)

// opener connects to the store named by cfg. The returned func releases it.
type opener func(ctx context.Context, cfg config.Config) (store.Store, func(), error)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	account    string
	open       opener
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Inspect and verify FIFO cost-basis books",
		Long: `ledgerctl reads committed books and trade history from the ledger store.

It provides tools for:
  - Replaying history and comparing it with committed books
  - Printing open positions, lots and trade history`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal outside local development.
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.account, "account", "", "account id (required)")
	cmd.MarkPersistentFlagRequired("account")

	cmd.AddCommand(
		newVerifyCmd(opts),
		newPositionCmd(opts),
		newLotsCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// withEngine loads configuration, opens the store and runs fn against an
// engine over it.
func (o *rootOptions) withEngine(ctx context.Context, fn func(*ledger.Engine) error) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	st, closeFn, err := o.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ledger.NewEngine(st, ledger.Options{}))
}

func openPostgres(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("database_url is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
