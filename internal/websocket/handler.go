package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/partypush/internal/model"
)

// HandleWebSocket upgrades operator connections and streams queue events.
// ?status=dead,failed limits the feed to those statuses.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var statuses []model.NotificationStatus
		if q := r.URL.Query().Get("status"); q != "" {
			for _, s := range strings.Split(q, ",") {
				status := model.NotificationStatus(strings.TrimSpace(s))
				if !status.Valid() {
					http.Error(w, "unknown status "+string(status), http.StatusBadRequest)
					return
				}
				statuses = append(statuses, status)
			}
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		NewClient(hub, conn, statuses...).Run(r.Context())
	}
}
