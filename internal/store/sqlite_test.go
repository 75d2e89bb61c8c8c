package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewCreatesWALDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.sqlite")

	d, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}

	var mode string
	if err := d.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", mode)
	}
}

func TestRunMigrationsCreatesTables(t *testing.T) {
	d := newTestDB(t)

	tables := []string{
		"events", "accounts", "profiles", "xpubs", "wallets", "keychains",
		"addresses", "utxos", "payout_queues", "payouts", "batches",
		"batch_wallet_summaries", "ledger_templates", "ledger_transactions",
		"ledger_entries", "ledger_balances", "schema_migrations",
	}
	for _, table := range tables {
		var name string
		err := d.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	d := newTestDB(t)

	if err := d.RunMigrations(); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	entries, _ := migrationsFS.ReadDir("migrations")
	expected := 0
	for _, e := range entries {
		if !e.IsDir() {
			expected++
		}
	}

	var count int
	if err := d.Conn().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != expected {
		t.Errorf("expected %d migration records, got %d", expected, count)
	}
}

func TestWithImmediateTxCommits(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	seedAccount(t, d)

	err := d.WithImmediateTx(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.ExecContext(ctx, "INSERT INTO wallets (id, account_id, name, network) VALUES ('w1', 'a1', 'payouts', 'testnet')")
		return err
	})
	if err != nil {
		t.Fatalf("WithImmediateTx() error = %v", err)
	}

	var name string
	if err := d.Conn().QueryRow("SELECT name FROM wallets WHERE id = 'w1'").Scan(&name); err != nil {
		t.Fatalf("expected committed row, got: %v", err)
	}
}

func TestWithImmediateTxRollsBackOnError(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	seedAccount(t, d)

	sentinel := errors.New("boom")
	err := d.WithImmediateTx(ctx, func(ctx context.Context, q Querier) error {
		if _, err := q.ExecContext(ctx, "INSERT INTO wallets (id, account_id, name, network) VALUES ('w2', 'a1', 'payouts', 'testnet')"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var count int
	if err := d.Conn().QueryRow("SELECT COUNT(*) FROM wallets WHERE id = 'w2'").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to discard insert, found %d rows", count)
	}
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	d, err := New(filepath.Join(tmpDir, "test.sqlite"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func seedAccount(t *testing.T, d *DB) {
	t.Helper()
	if _, err := d.Conn().Exec("INSERT INTO accounts (id, name) VALUES ('a1', 'test-account')"); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}
