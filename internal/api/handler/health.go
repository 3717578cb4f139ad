package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/scanhunter/internal/api/response"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks every named dependency and reports 503 if any fails.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		checks := make(map[string]string, len(names))
		degraded := false
		for _, name := range names {
			checks[name] = "ok"
			if err := deps[name].Ping(ctx); err != nil {
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, "ok", map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
