// Command briacorectl is a direct-to-store operator CLI: every subcommand
// opens the same SQLite file the daemon uses and calls straight into the
// domain packages, the way the teacher's cmd/verify calls straight into
// internal/wallet rather than going through HTTP. Renamed and repurposed
// from the teacher's cmd/poller, which ran its own small HTTP server; this
// core's CLI has no server of its own to run, so it reads and writes the
// store directly instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/ledger"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "list-wallets":
		err = runListWallets()
	case "balance":
		err = runBalance()
	case "list-utxos":
		err = runListUtxos()
	case "list-payout-queues":
		err = runListPayoutQueues()
	case "list-payouts":
		err = runListPayouts()
	case "queue-payout":
		err = runQueuePayout()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		slog.Error("briacorectl command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: briacorectl <command> [flags]

Commands:
  list-wallets        List wallets for an account
  balance             Show a wallet's UTXO balance summary
  list-utxos          List a wallet's UTXOs
  list-payout-queues  List payout queues for an account
  list-payouts        List payouts in a queue
  queue-payout        Queue a new payout
`)
}

func openStore() (*store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.DBPath, err)
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runListWallets() error {
	fs := flag.NewFlagSet("list-wallets", flag.ExitOnError)
	accountStr := fs.String("account", "", "account id (required)")
	fs.Parse(os.Args[2:])

	accountID, err := primitives.ParseAccountId(*accountStr)
	if err != nil {
		return fmt.Errorf("--account: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var wallets []walletmodel.Wallet
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		wallets, err = walletmodel.ListWallets(ctx, q, accountID)
		return err
	})
	if err != nil {
		return err
	}

	for _, w := range wallets {
		fmt.Printf("%s\t%s\t%s\n", w.ID, w.Name, w.Network)
	}
	return nil
}

func runBalance() error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	walletStr := fs.String("wallet", "", "wallet id (required)")
	fs.Parse(os.Args[2:])

	walletID, err := primitives.ParseWalletId(*walletStr)
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var summary utxo.BalanceSummary
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		summary, err = utxo.GetBalanceSummary(ctx, q, walletID)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("pending:  %d sats\n", summary.PendingSats)
	fmt.Printf("settled:  %d sats\n", summary.SettledSats)
	fmt.Printf("reserved: %d sats\n", summary.ReservedSats)
	fmt.Printf("spent:    %d sats\n", summary.SpentSats)
	return nil
}

func runListUtxos() error {
	fs := flag.NewFlagSet("list-utxos", flag.ExitOnError)
	walletStr := fs.String("wallet", "", "wallet id (required)")
	fs.Parse(os.Args[2:])

	walletID, err := primitives.ParseWalletId(*walletStr)
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var utxos []utxo.UTXO
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		utxos, err = utxo.ListByWallet(ctx, q, walletID)
		return err
	})
	if err != nil {
		return err
	}

	for _, u := range utxos {
		fmt.Printf("%s\t%d\t%s\n", u.OutPoint, u.AmountSats, u.Status)
	}
	return nil
}

func runListPayoutQueues() error {
	fs := flag.NewFlagSet("list-payout-queues", flag.ExitOnError)
	accountStr := fs.String("account", "", "account id (required)")
	fs.Parse(os.Args[2:])

	accountID, err := primitives.ParseAccountId(*accountStr)
	if err != nil {
		return fmt.Errorf("--account: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var queues []payout.Queue
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		queues, err = payout.ListPayoutQueues(ctx, q, accountID)
		return err
	})
	if err != nil {
		return err
	}

	for _, q := range queues {
		fmt.Printf("%s\t%s\t%s\t%s\n", q.ID, q.Name, q.TxPriority, q.Trigger.Kind)
	}
	return nil
}

func runListPayouts() error {
	fs := flag.NewFlagSet("list-payouts", flag.ExitOnError)
	queueStr := fs.String("queue", "", "payout queue id (required)")
	fs.Parse(os.Args[2:])

	queueID, err := primitives.ParsePayoutQueueId(*queueStr)
	if err != nil {
		return fmt.Errorf("--queue: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var payouts []payout.Payout
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		payouts, err = payout.ListPayouts(ctx, q, queueID)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range payouts {
		fmt.Printf("%s\t%s\t%d\t%s\n", p.ID, p.Destination.Address, p.AmountSats, p.Status)
	}
	return nil
}

func runQueuePayout() error {
	fs := flag.NewFlagSet("queue-payout", flag.ExitOnError)
	queueStr := fs.String("queue", "", "payout queue id (required)")
	walletStr := fs.String("wallet", "", "wallet id (required)")
	destination := fs.String("to", "", "destination bitcoin address (required)")
	amount := fs.Int64("amount", 0, "amount in satoshis (required)")
	externalID := fs.String("external-id", "", "caller-supplied idempotency key")
	fs.Parse(os.Args[2:])

	queueID, err := primitives.ParsePayoutQueueId(*queueStr)
	if err != nil {
		return fmt.Errorf("--queue: %w", err)
	}
	walletID, err := primitives.ParseWalletId(*walletStr)
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}
	sats, err := primitives.NewSatoshis(*amount)
	if err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	if *destination == "" {
		return fmt.Errorf("--to is required")
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	registry := ledger.NewRegistry()
	if err := registry.Bootstrap(context.Background(), db.Conn()); err != nil {
		return fmt.Errorf("bootstrap ledger templates: %w", err)
	}
	ledgerEngine := ledger.NewEngine(registry)

	var queued payout.Payout
	err = db.WithImmediateTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		queue, err := payout.GetPayoutQueue(ctx, q, queueID)
		if err != nil {
			return err
		}
		queued, err = payout.QueuePayout(ctx, q, ledgerEngine, queueID, queue.AccountID, walletID,
			primitives.OnchainAddress(*destination), sats, *externalID)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("queued payout %s\n", queued.ID)
	return nil
}
