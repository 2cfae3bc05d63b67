package rest

import (
	"context"
	"net/http"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type RunningChecker interface {
	Running() bool
}

// HealthHandler reports database reachability and whether the scheduler loop is running.
func HealthHandler(db Pinger, scheduler RunningChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":    "healthy",
			"database":  "ok",
			"scheduler": scheduler.Running(),
		}
		status := http.StatusOK

		if err := db.PingContext(r.Context()); err != nil {
			body["status"] = "unhealthy"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, body)
	}
}
