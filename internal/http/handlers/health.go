package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck is a named dependency probe, e.g. a database ping.
type HealthCheck func(ctx context.Context) error

// Health reports ok when every check passes and degraded otherwise.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		resp := map[string]any{"status": status}
		if len(results) > 0 {
			resp["checks"] = results
		}
		writeJSON(w, code, resp)
	}
}
