package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/briacore/custody/internal/api/models"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIError{
		Error: models.APIErrorDetail{Code: code, Message: message},
	})
}

// writeDomainError maps an errs.Kind from a domain-package call onto an
// HTTP status and error code, and logs the failure. Every handler's error
// path funnels through here so the status mapping lives in one place.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	kind := errs.KindOf(err)
	status, code := httpStatusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", "kind", kind, "error", err)
	} else {
		slog.Warn(op+" rejected", "kind", kind, "error", err)
	}
	writeError(w, status, code, err.Error())
}

func httpStatusFor(kind errs.Kind) (status int, code string) {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest, "VALIDATION"
	case errs.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case errs.KindConflict:
		return http.StatusConflict, "CONFLICT"
	case errs.KindExternal:
		return http.StatusBadGateway, "EXTERNAL"
	case errs.KindLedger, errs.KindStorage, errs.KindInternal:
		return http.StatusInternalServerError, "INTERNAL"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// parseIntParam extracts an integer query parameter with a default value.
func parseIntParam(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Debug("invalid int param, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

// errWalletNotOwnedByCaller and errQueueNotOwnedByCaller report the same
// errs.KindNotFound a caller would get for a wallet/queue id that simply
// doesn't exist, so a profile scoped to one account can't distinguish
// "not found" from "belongs to someone else" by probing ids.
func errWalletNotOwnedByCaller(walletID primitives.WalletId) error {
	return errs.Wrap(errs.KindNotFound, fmt.Errorf("wallet %s not found", walletID))
}

func errQueueNotOwnedByCaller(queueID primitives.PayoutQueueId) error {
	return errs.Wrap(errs.KindNotFound, fmt.Errorf("payout queue %s not found", queueID))
}

// clampPageSize applies the shared pagination bounds to a requested page size.
func clampPageSize(pageSize int) int {
	if pageSize > config.MaxPageSize {
		return config.MaxPageSize
	}
	if pageSize < 1 {
		return config.DefaultPageSize
	}
	return pageSize
}
