package profile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	d, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func seedAccount(t *testing.T, d *store.DB) primitives.AccountId {
	t.Helper()
	accountID := primitives.NewAccountId()
	if _, err := d.Conn().ExecContext(context.Background(),
		`INSERT INTO accounts (id, name) VALUES (?, 'test')`, accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return accountID
}

func TestCreateThenAuthenticateRoundTrips(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)

	p, rawKey, err := Create(ctx, d.Conn(), accountID, "ops-dashboard")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rawKey == "" {
		t.Fatal("Create() returned empty raw key")
	}

	got, err := Authenticate(ctx, d.Conn(), rawKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != p.ID || got.AccountID != accountID || got.Name != "ops-dashboard" {
		t.Errorf("Authenticate() = %+v, want %+v", got, p)
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, d)

	_, err := Authenticate(ctx, d.Conn(), "not-a-real-key")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("Authenticate() kind = %v, want KindNotFound", errs.KindOf(err))
	}
}

func TestCreateGeneratesDistinctKeysPerProfile(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)

	_, key1, err := Create(ctx, d.Conn(), accountID, "profile-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, key2, err := Create(ctx, d.Conn(), accountID, "profile-b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if key1 == key2 {
		t.Fatal("Create() issued identical keys for two profiles")
	}

	if _, err := Authenticate(ctx, d.Conn(), key1); err != nil {
		t.Errorf("Authenticate(key1) error = %v", err)
	}
	if _, err := Authenticate(ctx, d.Conn(), key2); err != nil {
		t.Errorf("Authenticate(key2) error = %v", err)
	}
}
