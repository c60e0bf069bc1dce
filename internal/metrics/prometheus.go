package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes the registry in Prometheus' text exposition
// format, as a single counter metric with an `event` label. That keeps the
// in-process registry trivial while still being scrapeable.
func PrometheusHandler(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := r.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP meshcall_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE meshcall_events_total counter")
		for _, k := range keys {
			escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(k)
			_, _ = fmt.Fprintf(w, "meshcall_events_total{event=\"%s\"} %d\n", escaped, snap[k])
		}
	})
}
