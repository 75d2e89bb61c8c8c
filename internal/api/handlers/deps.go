// Package handlers implements the operator HTTP surface's route handlers:
// the read-shaped subset of spec.md §6's RPC list (ListUtxos, ListWallets,
// ListPayoutQueues, ListPayouts, GetWalletBalanceSummary) plus QueuePayout
// and a SubscribeAll SSE stream.
package handlers

import (
	"github.com/briacore/custody/internal/batchjob"
	"github.com/briacore/custody/internal/eventhub"
	"github.com/briacore/custody/internal/ledger"
	"github.com/briacore/custody/internal/store"
)

// Deps bundles every handler's dependencies, mirroring the teacher's
// handlers.SendDeps grouping for its own transaction-building handlers.
type Deps struct {
	DB          *store.DB
	Ledger      *ledger.Engine
	BatchRunner *batchjob.Runner
	Hub         *eventhub.Hub
}
