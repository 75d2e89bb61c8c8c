package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/eventhub"
)

// SubscribeAll handles GET /api/events — a Server-Sent Events stream of
// every UTXO/payout/batch lifecycle event the hub broadcasts.
func SubscribeAll(hub *eventhub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			slog.Error("SSE not supported: response writer does not implement http.Flusher")
			writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
			return
		}

		slog.Info("SSE client connecting", "remoteAddr", r.RemoteAddr)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := hub.Subscribe()
		defer func() {
			hub.Unsubscribe(ch)
			slog.Info("SSE client disconnected", "remoteAddr", r.RemoteAddr)
		}()

		slog.Info("SSE client connected", "remoteAddr", r.RemoteAddr, "totalClients", hub.ClientCount())

		keepAlive := time.NewTicker(config.SSEKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					slog.Info("SSE channel closed, ending stream", "remoteAddr", r.RemoteAddr)
					return
				}
				data, err := json.Marshal(event.Data)
				if err != nil {
					slog.Error("failed to marshal SSE event data", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
				flusher.Flush()

			case <-keepAlive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()

			case <-r.Context().Done():
				slog.Info("SSE client context done", "remoteAddr", r.RemoteAddr, "reason", r.Context().Err())
				return
			}
		}
	}
}
