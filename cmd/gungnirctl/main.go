// gungnirctl is the operator CLI for the exchange core: replaying the
// committed trade log, auditing book integrity, expiring instruments, and
// dumping book state. It opens the store directly and is meant to run
// against a quiesced database.
//
// Exit codes: 0 success, 1 transient failure, 2 integrity violation,
// 3 invalid arguments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gungnir/internal/bus"
	"gungnir/internal/common"
	"gungnir/internal/config"
	"gungnir/internal/exchange"
	"gungnir/internal/money"
	"gungnir/internal/storage"
)

const (
	exitOK = iota
	exitTransient
	exitIntegrity
	exitInvalidArgs
)

var (
	dbPath string
	symbol string

	fromSequence uint64
	priceStr     string
	depth        int
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func fail(code int, err error) error { return &codedError{code: code, err: err} }

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "gungnir.db", "Path to the exchange database")

	replayCmd.Flags().Uint64Var(&fromSequence, "from-sequence", 0, "Replay trades with sequence greater than this")
	replayCmd.Flags().StringVar(&symbol, "symbol", "", "Instrument symbol")
	replayCmd.MarkFlagRequired("symbol")
	rootCmd.AddCommand(replayCmd)

	integrityCmd.Flags().StringVar(&symbol, "symbol", "", "Instrument symbol (empty checks all)")
	rootCmd.AddCommand(integrityCmd)

	markExpiredCmd.Flags().StringVar(&symbol, "symbol", "", "Instrument symbol")
	markExpiredCmd.Flags().StringVar(&priceStr, "price", "", "Settlement price")
	markExpiredCmd.MarkFlagRequired("symbol")
	markExpiredCmd.MarkFlagRequired("price")
	rootCmd.AddCommand(markExpiredCmd)

	dumpBookCmd.Flags().StringVar(&symbol, "symbol", "", "Instrument symbol")
	dumpBookCmd.Flags().IntVar(&depth, "depth", 0, "Levels per side (0 = all)")
	dumpBookCmd.MarkFlagRequired("symbol")
	rootCmd.AddCommand(dumpBookCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitInvalidArgs)
	}
	os.Exit(exitOK)
}

var rootCmd = &cobra.Command{
	Use:           "gungnirctl",
	Short:         "gungnirctl operates on a gungnir exchange database",
	Long:          "gungnirctl operates on a gungnir exchange database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func openStore() (*storage.SQLite, error) {
	store, err := storage.OpenSQLite(dbPath)
	if err != nil {
		return nil, fail(exitTransient, err)
	}
	return store, nil
}

// openExchange rebuilds the core over the store, recovering every book.
func openExchange(store storage.Store) (*exchange.Exchange, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fail(exitInvalidArgs, err)
	}
	ex := exchange.New(cfg, store, bus.NewInProcess(), zerolog.Nop())
	if err := ex.Start(context.Background()); err != nil {
		if common.IsKind(err, common.KindIntegrity) {
			return nil, fail(exitIntegrity, err)
		}
		return nil, fail(exitTransient, err)
	}
	return ex, nil
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print the committed trade log from a sequence number as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		trades, err := store.View().Trades().ListFrom(symbol, fromSequence, 0)
		if err != nil {
			return fail(exitTransient, err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, t := range trades {
			if err := enc.Encode(t); err != nil {
				return fail(exitTransient, err)
			}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d trades\n", len(trades))
		return nil
	},
}

var integrityCmd = &cobra.Command{
	Use:   "integrity-check",
	Short: "Rebuild the books from storage and assert every invariant",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ex, err := openExchange(store)
		if err != nil {
			return err
		}
		defer ex.Stop()

		if err := ex.ValidateBooks(); err != nil {
			return fail(exitIntegrity, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "integrity check passed")
		return nil
	},
}

var markExpiredCmd = &cobra.Command{
	Use:   "mark-expired",
	Short: "Settle an instrument at the given price and expire its orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := money.FromString(priceStr)
		if err != nil {
			return fail(exitInvalidArgs, err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ex, err := openExchange(store)
		if err != nil {
			return err
		}
		defer ex.Stop()

		res, err := ex.Submit(context.Background(), common.Command{
			Settle: &common.SettleInstrument{
				Symbol:          symbol,
				SettlementPrice: price,
				Auth:            "operator-cli",
			},
		})
		if err != nil {
			if common.IsKind(err, common.KindIntegrity) {
				return fail(exitIntegrity, err)
			}
			if common.IsKind(err, common.KindValidation) || common.IsKind(err, common.KindNotFound) {
				return fail(exitInvalidArgs, err)
			}
			return fail(exitTransient, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "settled %d positions, expired %d orders\n",
			res.PositionsSettled, res.OrdersExpired)
		return nil
	},
}

var dumpBookCmd = &cobra.Command{
	Use:   "dump-book",
	Short: "Print the instrument's book snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ex, err := openExchange(store)
		if err != nil {
			return err
		}
		defer ex.Stop()

		snap, err := ex.Snapshot(context.Background(), symbol, depth)
		if err != nil {
			if common.IsKind(err, common.KindNotFound) {
				return fail(exitInvalidArgs, err)
			}
			return fail(exitTransient, err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}
