package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/briacore/custody/internal/api/middleware"
	"github.com/briacore/custody/internal/api/models"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

func paginateQueues(queues []payout.Queue, page, pageSize int) []payout.Queue {
	start := (page - 1) * pageSize
	if start < 0 || start >= len(queues) {
		return []payout.Queue{}
	}
	end := start + pageSize
	if end > len(queues) {
		end = len(queues)
	}
	return queues[start:end]
}

func paginatePayouts(payouts []payout.Payout, page, pageSize int) []payout.Payout {
	start := (page - 1) * pageSize
	if start < 0 || start >= len(payouts) {
		return []payout.Payout{}
	}
	end := start + pageSize
	if end > len(payouts) {
		end = len(payouts)
	}
	return payouts[start:end]
}

// ListPayoutQueues handles GET /api/payout-queues — every payout queue
// belonging to the caller's account.
func ListPayoutQueues(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prof, _ := middleware.ProfileFromContext(r.Context())

		var queues []payout.Queue
		err := deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			var err error
			queues, err = payout.ListPayoutQueues(ctx, q, prof.AccountID)
			return err
		})
		if err != nil {
			writeDomainError(w, "list payout queues", err)
			return
		}

		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := clampPageSize(parseIntParam(r, "pageSize", config.DefaultPageSize))
		writeJSON(w, http.StatusOK, models.APIResponse{
			Data: paginateQueues(queues, page, pageSize),
			Meta: &models.APIMeta{Page: page, PageSize: pageSize, Total: len(queues)},
		})
	}
}

// ListPayouts handles GET /api/payout-queues/{queueID}/payouts.
func ListPayouts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prof, _ := middleware.ProfileFromContext(r.Context())

		queueID, err := primitives.ParsePayoutQueueId(chi.URLParam(r, "queueID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUEUE_ID", "invalid payout queue id")
			return
		}

		var payouts []payout.Payout
		err = deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			queue, err := payout.GetPayoutQueue(ctx, q, queueID)
			if err != nil {
				return err
			}
			if queue.AccountID != prof.AccountID {
				return errQueueNotOwnedByCaller(queueID)
			}
			payouts, err = payout.ListPayouts(ctx, q, queueID)
			return err
		})
		if err != nil {
			writeDomainError(w, "list payouts", err)
			return
		}

		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := clampPageSize(parseIntParam(r, "pageSize", config.DefaultPageSize))
		writeJSON(w, http.StatusOK, models.APIResponse{
			Data: paginatePayouts(payouts, page, pageSize),
			Meta: &models.APIMeta{Page: page, PageSize: pageSize, Total: len(payouts)},
		})
	}
}

// queuePayoutRequest is the JSON body for POST /api/payout-queues/{queueID}/payouts.
type queuePayoutRequest struct {
	WalletID           string `json:"walletId"`
	DestinationAddress string `json:"destinationAddress"`
	AmountSats         int64  `json:"amountSats"`
	ExternalID         string `json:"externalId"`
}

// QueuePayout handles POST /api/payout-queues/{queueID}/payouts.
func QueuePayout(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prof, _ := middleware.ProfileFromContext(r.Context())

		queueID, err := primitives.ParsePayoutQueueId(chi.URLParam(r, "queueID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUEUE_ID", "invalid payout queue id")
			return
		}

		var req queuePayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
			return
		}

		walletID, err := primitives.ParseWalletId(req.WalletID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_WALLET_ID", "invalid wallet id")
			return
		}
		amount, err := primitives.NewSatoshis(req.AmountSats)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
			return
		}

		var queuedPayout payout.Payout
		var queue payout.Queue
		err = deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			var err error
			queue, err = payout.GetPayoutQueue(ctx, q, queueID)
			if err != nil {
				return err
			}
			if queue.AccountID != prof.AccountID {
				return errQueueNotOwnedByCaller(queueID)
			}
			queuedPayout, err = payout.QueuePayout(ctx, q, deps.Ledger, queueID, prof.AccountID, walletID,
				primitives.OnchainAddress(req.DestinationAddress), amount, req.ExternalID)
			return err
		})
		if err != nil {
			writeDomainError(w, "queue payout", err)
			return
		}

		if queue.Trigger.Kind == primitives.TriggerImmediate {
			deps.BatchRunner.Notify(context.Background(), queueID)
		}
		if deps.Hub != nil {
			deps.Hub.Emit("QUEUED_PAYOUT", queuedPayout)
		}

		writeJSON(w, http.StatusCreated, models.APIResponse{Data: queuedPayout})
	}
}
