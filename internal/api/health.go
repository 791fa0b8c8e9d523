package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Error     string `json:"error,omitempty"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   Version,
		}
		code := http.StatusOK

		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.DB.Ping(ctx); err != nil {
				deps.Logger.Warn("health check failed", zap.Error(err))
				resp.Status = "unhealthy"
				resp.Error = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, resp)
	}
}

type readyResponse struct {
	Status        string `json:"status"`
	ActiveVersion int64  `json:"active_version,omitempty"`
}

// handleReady reports that the process serves requests. Readiness does not
// require a trained model; /predict reports that case itself.
func handleReady(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyResponse{Status: "ready"}
		if deps.Versions != nil {
			if v, err := deps.Versions.Active(); err == nil {
				resp.ActiveVersion = v.VersionID
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
