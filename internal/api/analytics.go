package api

import (
	"net/http"
	"strconv"

	"github.com/kalambet/materiality/internal/domain"
)

const defaultAnalyticsDays = 30

func handleDailyAnalytics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := defaultAnalyticsDays
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "days must be an integer")
				return
			}
			days = n
		}
		stats, err := deps.Predictions.DailyStats(r.Context(), days)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		if stats == nil {
			stats = []domain.DailyStats{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"days":    days,
			"data":    stats,
		})
	}
}
