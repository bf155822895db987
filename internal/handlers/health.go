package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/termgate/termgate/internal/engine"
)

// Engine is set from main.go during init.
var Engine *engine.Docker

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	engineStatus := "unconfigured"
	if Engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := Engine.Ping(ctx); err != nil {
			engineStatus = "unreachable"
		} else {
			engineStatus = "connected"
		}
	}

	status := "healthy"
	if engineStatus != "connected" {
		status = "unhealthy"
	}

	sessions := 0
	if Sessions != nil {
		sessions = Sessions.Count()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"engine":       engineStatus,
		"auth_enabled": AuthEnabled,
		"sessions":     sessions,
	})
}
