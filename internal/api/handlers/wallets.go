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

// paginateWallets slices a full result set down to one page. List*
// operations in this core return everything an account owns (never more
// than a few hundred wallets in practice), so pagination happens here
// rather than in the SQL layer.
func paginateWallets(wallets []walletmodel.Wallet, page, pageSize int) []walletmodel.Wallet {
	start := (page - 1) * pageSize
	if start < 0 || start >= len(wallets) {
		return []walletmodel.Wallet{}
	}
	end := start + pageSize
	if end > len(wallets) {
		end = len(wallets)
	}
	return wallets[start:end]
}

// ListWallets handles GET /api/wallets — every wallet belonging to the
// caller's account.
func ListWallets(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		prof, _ := middleware.ProfileFromContext(r.Context())

		var wallets []walletmodel.Wallet
		err := deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			var err error
			wallets, err = walletmodel.ListWallets(ctx, q, prof.AccountID)
			return err
		})
		if err != nil {
			writeDomainError(w, "list wallets", err)
			return
		}

		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := clampPageSize(parseIntParam(r, "pageSize", config.DefaultPageSize))
		total := len(wallets)
		paged := paginateWallets(wallets, page, pageSize)

		elapsed := time.Since(start).Milliseconds()
		writeJSON(w, http.StatusOK, models.APIResponse{
			Data: paged,
			Meta: &models.APIMeta{Page: page, PageSize: pageSize, Total: total, ExecutionTime: elapsed},
		})
	}
}

// GetWalletBalanceSummary handles GET /api/wallets/{walletID}/balance.
func GetWalletBalanceSummary(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prof, _ := middleware.ProfileFromContext(r.Context())

		walletID, err := primitives.ParseWalletId(chi.URLParam(r, "walletID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_WALLET_ID", "invalid wallet id")
			return
		}

		var summary utxo.BalanceSummary
		err = deps.DB.WithImmediateTx(r.Context(), func(ctx context.Context, q store.Querier) error {
			wallet, err := walletmodel.GetWallet(ctx, q, walletID)
			if err != nil {
				return err
			}
			if wallet.AccountID != prof.AccountID {
				return errWalletNotOwnedByCaller(walletID)
			}
			summary, err = utxo.GetBalanceSummary(ctx, q, walletID)
			return err
		})
		if err != nil {
			writeDomainError(w, "get wallet balance summary", err)
			return
		}

		writeJSON(w, http.StatusOK, models.APIResponse{Data: summary})
	}
}
