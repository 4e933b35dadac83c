package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/supportdesk-live/internal/chat"
)

// pinger checks a dependency, typically the event log database.
type pinger interface {
	Ping(ctx context.Context) error
}

// statsSource is the part of chat.Service the health handler reads.
type statsSource interface {
	IsConnected() bool
	Rooms() []string
	Stats() chat.Stats
}

// newHealthHandler serves /health and /debug/stats. db may be nil.
func newHealthHandler(svc statsSource, db pinger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := svc.Stats()
		health.Components["connection"] = map[string]any{
			"state":         stats.Connection.State.String(),
			"epoch":         stats.Connection.Epoch,
			"desired_rooms": stats.Connection.DesiredRooms,
			"live_rooms":    stats.Connection.LiveRooms,
		}
		// Reconnecting is expected; the process keeps retrying
		if !svc.IsConnected() {
			health.Status = "degraded"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"rooms": svc.Rooms(),
			"stats": svc.Stats(),
		})
	})

	return mux
}
