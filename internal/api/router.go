// Package api implements the operator HTTP surface: spec.md §6's read-shaped
// RPCs (ListUtxos, ListWallets, ListPayoutQueues, ListPayouts,
// GetWalletBalanceSummary) plus QueuePayout and a SubscribeAll event stream,
// grounded in the teacher's chi router and SSE pattern
// (internal/api/router.go, internal/scanner/sse.go).
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/briacore/custody/internal/api/handlers"
	apimw "github.com/briacore/custody/internal/api/middleware"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/eventhub"
	"github.com/briacore/custody/internal/store"
)

// Version is copied into handlers.Version by NewRouter; cmd/briacored sets
// it from its own build-time version before building the router.
var Version = "dev"

// NewRouter builds the chi router for the daemon's HTTP surface. Every
// /api route past /api/health requires the x-bria-api-key header.
func NewRouter(db *store.DB, cfg *config.Config, deps *handlers.Deps, hub *eventhub.Hub) chi.Router {
	handlers.Version = Version

	r := chi.NewRouter()
	r.Use(apimw.RequestLogging)
	r.Use(apimw.RateLimit)

	slog.Info("router initialized", "middleware", []string{"requestLogging", "rateLimit", "apiKeyAuth"})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health(cfg))

		r.Group(func(r chi.Router) {
			r.Use(apimw.APIKeyAuth(db))

			r.Get("/wallets", handlers.ListWallets(deps))
			r.Get("/wallets/{walletID}/utxos", handlers.ListUtxos(deps))
			r.Get("/wallets/{walletID}/balance", handlers.GetWalletBalanceSummary(deps))

			r.Get("/payout-queues", handlers.ListPayoutQueues(deps))
			r.Get("/payout-queues/{queueID}/payouts", handlers.ListPayouts(deps))
			r.Post("/payout-queues/{queueID}/payouts", handlers.QueuePayout(deps))

			r.Get("/events", handlers.SubscribeAll(hub))
		})
	})

	return r
}
