// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// Version is overridden via ldflags at build time (-X ...Version=x.y.z).
var Version = "dev"

// NewRouter builds the optional HTTP exposition surface: a health probe
// and a Prometheus-format /metrics endpoint over the same StatsSource the
// Reporter logs from. The CLI control socket remains the one surface for
// mutating commands; this router is read-only.
func NewRouter(source StatsSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /metrics", makeMetricsHandler(source))
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     uptime.String(),
		"version":    Version,
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}

func makeMetricsHandler(source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends := source.BackendStats()
		agents := source.AgentRuntimeStats()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP corelb_backend_servers_total Configured servers per backend.\n")
		fmt.Fprintf(w, "# TYPE corelb_backend_servers_total gauge\n")
		for _, b := range backends {
			fmt.Fprintf(w, "corelb_backend_servers_total{backend=%q} %d\n", b.Name, b.Servers)
		}

		fmt.Fprintf(w, "# HELP corelb_backend_active_servers Servers currently eligible to receive traffic.\n")
		fmt.Fprintf(w, "# TYPE corelb_backend_active_servers gauge\n")
		for _, b := range backends {
			fmt.Fprintf(w, "corelb_backend_active_servers{backend=%q} %d\n", b.Name, b.ActiveServers)
		}

		fmt.Fprintf(w, "# HELP corelb_spoe_agent_active_applets Live applets in a SPOE agent's runtime pool.\n")
		fmt.Fprintf(w, "# TYPE corelb_spoe_agent_active_applets gauge\n")
		for _, a := range agents {
			fmt.Fprintf(w, "corelb_spoe_agent_active_applets{engine_id=%q} %d\n", a.EngineID, a.ActiveApplets)
		}

		fmt.Fprintf(w, "# HELP corelb_spoe_agent_errors_total Cumulative SPOE agent errors.\n")
		fmt.Fprintf(w, "# TYPE corelb_spoe_agent_errors_total counter\n")
		for _, a := range agents {
			fmt.Fprintf(w, "corelb_spoe_agent_errors_total{engine_id=%q} %d\n", a.EngineID, a.ErrorCount)
		}

		fmt.Fprintf(w, "# HELP corelb_rule_denied_total Connections rejected by the rule evaluator.\n")
		fmt.Fprintf(w, "# TYPE corelb_rule_denied_total counter\n")
		fmt.Fprintf(w, "corelb_rule_denied_total %d\n", source.DeniedCount())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
