package handlers

import (
	"log/slog"
	"net/http"

	"github.com/briacore/custody/internal/api/models"
	"github.com/briacore/custody/internal/config"
)

// Version is the version Health reports; api.NewRouter overwrites it with
// api.Version.
var Version = "dev"

// Health handles GET /api/health. Unauthenticated — a liveness probe
// doesn't carry an x-bria-api-key.
func Health(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("health check requested", "remoteAddr", r.RemoteAddr)
		writeJSON(w, http.StatusOK, models.APIResponse{
			Data: map[string]string{
				"status":  "ok",
				"version": Version,
				"network": cfg.Network,
			},
		})
	}
}
