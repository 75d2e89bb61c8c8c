// Package eventhub fans out custody lifecycle events (UTXO/payout/batch
// state changes) to SubscribeAll's Server-Sent Events clients. Kept as its
// own leaf package, rather than living in internal/api directly, so both
// the router and the job runners that broadcast into it (syncjob,
// batchjob) can import it without internal/api importing back into them.
// Queued payouts are announced by the QueuePayout handler.
package eventhub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/briacore/custody/internal/config"
)

// Event is a UTXO/payout/batch lifecycle notification broadcast to every
// SubscribeAll client. The emitted types are UTXO_DETECTED, UTXO_SETTLED,
// SPEND_DETECTED, SPEND_SETTLED, QUEUED_PAYOUT and BATCH_CREATED. All but
// two share their name with the ledger posting code in internal/ledger's
// registry; UTXO_SETTLED and BATCH_CREATED correspond to the CONFIRMED_UTXO
// and CREATE_BATCH postings.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans out Events to every connected SubscribeAll client. Generalizes
// the teacher's internal/scanner.SSEHub, which fans out scan progress
// instead of custody lifecycle events, to this core's domain.
type Hub struct {
	clients map[chan Event]struct{}
	mu      sync.RWMutex
}

// New creates a new event hub.
func New() *Hub {
	slog.Info("event hub created")
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Run blocks until ctx is cancelled, then closes every client channel.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("event hub running")
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
	slog.Info("event hub stopped", "reason", ctx.Err())
}

// Subscribe registers a new client and returns a channel to receive events.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, config.SSEHubChannelBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	slog.Info("event hub client subscribed", "totalClients", clientCount)
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	clientCount := len(h.clients)
	h.mu.Unlock()

	slog.Info("event hub client unsubscribed", "totalClients", clientCount)
}

// Broadcast sends an event to all connected clients. Non-blocking: if a
// client's channel is full, the event is dropped for that client.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("event dropped for slow client", "eventType", event.Type)
		}
	}
}

// Emit constructs an Event from a type tag and payload and broadcasts it —
// the convenience form job runners (syncjob, batchjob) call from inside a
// successful state transition, without building an Event literal at every
// call site.
func (h *Hub) Emit(eventType string, data interface{}) {
	h.Broadcast(Event{Type: eventType, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
