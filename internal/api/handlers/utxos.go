package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/briacore/custody/internal/api/middleware"
	"github.com/briacore/custody/internal/api/models"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

// paginateUtxos slices a full result set down to one page.
func paginateUtxos(utxos []utxo.UTXO, page, pageSize int) []utxo.UTXO {
	start := (page - 1) * pageSize
	if start < 0 || start >= len(utxos) {
		return []utxo.UTXO{}
	}
	end := start + pageSize
	if end > len(utxos) {
		end = len(utxos)
	}
	return utxos[start:end]
}

// ListUtxos handles GET /api/wallets/{walletID}/utxos.
func ListUtxos(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		prof, _ := middleware.ProfileFromContext(r.Context())

		walletID, err := primitives.ParseWalletId(chi.URLParam(r, "walletID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_WALLET_ID", "invalid wallet id")
			return
		}

		var utxos []utxo.UTXO
		err = deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			wallet, err := walletmodel.GetWallet(ctx, q, walletID)
			if err != nil {
				return err
			}
			if wallet.AccountID != prof.AccountID {
				return errWalletNotOwnedByCaller(walletID)
			}
			utxos, err = utxo.ListByWallet(ctx, q, walletID)
			return err
		})
		if err != nil {
			writeDomainError(w, "list utxos", err)
			return
		}

		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := clampPageSize(parseIntParam(r, "pageSize", config.DefaultPageSize))
		total := len(utxos)
		paged := paginateUtxos(utxos, page, pageSize)

		elapsed := time.Since(start).Milliseconds()
		writeJSON(w, http.StatusOK, models.APIResponse{
			Data: paged,
			Meta: &models.APIMeta{Page: page, PageSize: pageSize, Total: total, ExecutionTime: elapsed},
		})
	}
}
