// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// BackendStats is one backend's reportable state, sourced from
// internal/lb.Pool at report time.
type BackendStats struct {
	Name          string `json:"name"`
	Servers       int    `json:"servers"`
	ActiveServers int    `json:"active_servers"`
}

// AgentRuntimeStats is one SPOE agent's reportable state, sourced from an
// internal/spoe/agent.Runtime at report time.
type AgentRuntimeStats struct {
	EngineID      string `json:"engine_id"`
	ActiveApplets int    `json:"active_applets"`
	ErrorCount    int64  `json:"error_count"`
}

// StatsSource supplies the data a Reporter's periodic log line needs,
// decoupling this package from internal/lb and internal/spoe/agent's
// concrete types.
type StatsSource interface {
	BackendStats() []BackendStats
	AgentRuntimeStats() []AgentRuntimeStats
	DeniedCount() int64
}

// Reporter periodically logs a structured snapshot of the proxy's
// runtime state: per-backend active-server counts, per-SPOE-agent applet
// pool occupancy and error counts, and the rule evaluator's cumulative
// denied count.
type Reporter struct {
	source    StatsSource
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReporter constructs a Reporter that logs a snapshot every interval
// (5 minutes if interval <= 0).
func NewReporter(source StatsSource, logger *slog.Logger, interval time.Duration) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{
		source:    source,
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting on a background goroutine.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("stats reporter started", "interval", r.interval)
}

// Stop halts reporting and waits for the background goroutine to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.logger.Info("stats reporter stopped")
}

func (r *Reporter) report() {
	uptime := time.Since(r.startTime).Seconds()
	backends := r.source.BackendStats()
	agents := r.source.AgentRuntimeStats()

	backendsJSON, _ := json.Marshal(backends)
	agentsJSON, _ := json.Marshal(agents)

	r.logger.Info("proxy stats",
		"uptime_seconds", int64(uptime),
		"backends_total", len(backends),
		"agents_total", len(agents),
		"denied_total", r.source.DeniedCount(),
		"backends", json.RawMessage(backendsJSON),
		"agents", json.RawMessage(agentsJSON),
	)
}
