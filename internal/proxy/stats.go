// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"sync/atomic"

	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/observability"
	spoeagent "github.com/corelb/corelb/internal/spoe/agent"
)

// deniedCounter implements rules.DeniedCounter with a single process-wide
// tally, exposed to the stats Reporter through statsSource below.
type deniedCounter struct {
	count int64
}

func (d *deniedCounter) IncrementDenied() {
	atomic.AddInt64(&d.count, 1)
}

func (d *deniedCounter) Load() int64 {
	return atomic.LoadInt64(&d.count)
}

// runtimeEntry pairs a configured SPOE agent's name with its runtime, for
// the stats Reporter's per-agent breakdown.
type runtimeEntry struct {
	name    string
	runtime *spoeagent.Runtime
}

// statsSource implements observability.StatsSource over the proxy's live
// backend pools and agent runtimes, keeping internal/observability free
// of any direct import on internal/lb or internal/spoe/agent.
type statsSource struct {
	backends map[string]lb.Pool
	agents   []runtimeEntry
	denied   *deniedCounter
}

func (s *statsSource) BackendStats() []observability.BackendStats {
	out := make([]observability.BackendStats, 0, len(s.backends))
	for name, pool := range s.backends {
		out = append(out, observability.BackendStats{
			Name:          name,
			Servers:       len(pool),
			ActiveServers: pool.ActiveServers(),
		})
	}
	return out
}

func (s *statsSource) AgentRuntimeStats() []observability.AgentRuntimeStats {
	out := make([]observability.AgentRuntimeStats, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, observability.AgentRuntimeStats{
			EngineID:      a.name,
			ActiveApplets: a.runtime.ActiveApplets(),
			ErrorCount:    a.runtime.ErrorCount(),
		})
	}
	return out
}

func (s *statsSource) DeniedCount() int64 {
	return s.denied.Load()
}
