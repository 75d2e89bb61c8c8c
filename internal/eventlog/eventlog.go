// Package eventlog implements the append-only per-entity event log
// (Component B). Wallets and payouts append every change here, and Rehydrate
// rebuilds an Aggregate by folding its events in (entity_id, sequence)
// order. UTXOs, payout queues and batches are plain rows with no event
// stream, and the read paths query the projection tables.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/store"
)

// Event is one row of the append-only log.
type Event struct {
	EntityID   string
	EntityType string
	Sequence   int
	EventType  string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Aggregate is anything rehydrated by folding events. Apply must be a pure
// function of (state, event) -> state; it must never fail on events this
// aggregate itself produced, since the log is the aggregate's only source
// of truth.
type Aggregate interface {
	Apply(eventType string, payload json.RawMessage) error
}

// Append inserts the next event for an entity inside an already-open
// BEGIN IMMEDIATE transaction. expectedSequence must be the sequence number
// the caller believes is next (1-based); a mismatch means another writer
// appended first, reported as a Conflict so the caller can re-read and retry.
func Append(ctx context.Context, q store.Querier, entityID, entityType string, expectedSequence int, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, fmt.Errorf("marshal event payload: %w", err))
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO events (entity_id, entity_type, sequence, event_type, payload) VALUES (?, ?, ?, ?, ?)`,
		entityID, entityType, expectedSequence, eventType, string(raw),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.Wrap(errs.KindConflict, fmt.Errorf("append event for %s at sequence %d: %w", entityID, expectedSequence, errs.ErrSequenceConflict))
		}
		return errs.Wrap(errs.KindStorage, fmt.Errorf("append event for %s: %w", entityID, err))
	}
	return nil
}

// Load reads every event for entityID in sequence order.
func Load(ctx context.Context, q store.Querier, entityID string) ([]Event, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT entity_id, entity_type, sequence, event_type, payload, recorded_at
		 FROM events WHERE entity_id = ? ORDER BY sequence ASC`,
		entityID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("load events for %s: %w", entityID, err))
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload string
		var recordedAt string
		if err := rows.Scan(&e.EntityID, &e.EntityType, &e.Sequence, &e.EventType, &payload, &recordedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan event row: %w", err))
		}
		e.Payload = json.RawMessage(payload)
		t, err := time.Parse("2006-01-02T15:04:05.999Z", recordedAt)
		if err != nil {
			t, err = time.Parse(time.RFC3339, recordedAt)
		}
		if err == nil {
			e.RecordedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate events for %s: %w", entityID, err))
	}
	return events, nil
}

// Rehydrate loads every event for entityID and folds them into agg in order,
// returning the next sequence number the caller should pass to Append.
func Rehydrate(ctx context.Context, q store.Querier, entityID string, agg Aggregate) (nextSequence int, err error) {
	events, err := Load(ctx, q, entityID)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		if err := agg.Apply(e.EventType, e.Payload); err != nil {
			return 0, errs.Wrap(errs.KindInternal, fmt.Errorf("apply event %d for %s: %w", e.Sequence, entityID, err))
		}
	}
	return len(events) + 1, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error string
	// rather than a typed sentinel; matching on substring mirrors how the
	// rest of this codebase treats driver errors.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
