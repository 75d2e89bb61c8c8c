package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/briacore/custody/internal/errs"
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

type counterState struct {
	value int
}

func (c *counterState) Apply(eventType string, payload json.RawMessage) error {
	switch eventType {
	case "INCREMENTED":
		var p struct{ By int }
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		c.value += p.By
	}
	return nil
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		if err := Append(ctx, q, "entity-1", "counter", 1, "INCREMENTED", map[string]int{"By": 3}); err != nil {
			return err
		}
		return Append(ctx, q, "entity-1", "counter", 2, "INCREMENTED", map[string]int{"By": 4})
	})
	if err != nil {
		t.Fatalf("append sequence: %v", err)
	}

	events, err := Load(ctx, d.Conn(), "entity-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("events out of order: %+v", events)
	}
}

func TestRehydrateFoldsInOrder(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		if err := Append(ctx, q, "entity-2", "counter", 1, "INCREMENTED", map[string]int{"By": 10}); err != nil {
			return err
		}
		return Append(ctx, q, "entity-2", "counter", 2, "INCREMENTED", map[string]int{"By": -3})
	})
	if err != nil {
		t.Fatalf("append sequence: %v", err)
	}

	state := &counterState{}
	next, err := Rehydrate(ctx, d.Conn(), "entity-2", state)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if state.value != 7 {
		t.Fatalf("want folded value 7, got %d", state.value)
	}
	if next != 3 {
		t.Fatalf("want next sequence 3, got %d", next)
	}
}

func TestAppendConflictOnDuplicateSequence(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		return Append(ctx, q, "entity-3", "counter", 1, "INCREMENTED", map[string]int{"By": 1})
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	err = d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		return Append(ctx, q, "entity-3", "counter", 1, "INCREMENTED", map[string]int{"By": 1})
	})
	if err == nil {
		t.Fatalf("expected conflict on duplicate sequence")
	}
	if !errors.Is(err, errs.ErrSequenceConflict) {
		t.Errorf("expected errs.ErrSequenceConflict, got %v", err)
	}
	if errs.KindOf(err) != errs.KindConflict {
		t.Errorf("expected KindConflict, got %s", errs.KindOf(err))
	}
}
