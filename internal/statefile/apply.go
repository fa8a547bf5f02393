// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"log/slog"
	"strings"

	"github.com/corelb/corelb/internal/lb"
)

// Apply reconciles decoded Records against the live server pool: each
// record is looked up by srv_id first, falling back to name when the id
// isn't found, with a mismatch warning whenever the two disagree (§6:
// "lookup by srv_id ... or name with mismatch warnings; apply only
// validated fields"). A record's admin state that would clear a server's
// currently configured MAINT is skipped rather than applied (its address
// and agent state are still restored) — the
// restart-time state-file replay must never silently un-MAINT a server
// an operator paused before the restart ("do not regress configured
// MAINT").
func Apply(pool lb.Pool, records []Record, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[int]*lb.Server, len(pool))
	byName := make(map[string]*lb.Server, len(pool))
	for _, srv := range pool {
		byID[srv.ID] = srv
		byName[srv.Name] = srv
	}

	for _, rec := range records {
		srv, ok := byID[rec.SrvID]
		if ok && srv.Name != rec.SrvName {
			logger.Warn("state-file record name mismatch for srv_id, applying by id",
				"srv_id", rec.SrvID, "state_file_name", rec.SrvName, "configured_name", srv.Name)
		}
		if !ok {
			if srv, ok = byName[rec.SrvName]; ok {
				logger.Warn("state-file record srv_id not found in configuration, matched by name instead",
					"srv_id", rec.SrvID, "srv_name", rec.SrvName)
			}
		}
		if !ok {
			logger.Warn("state-file record has no matching configured server, skipping",
				"srv_id", rec.SrvID, "srv_name", rec.SrvName)
			continue
		}
		applyOne(srv, rec, logger)
	}
}

func applyOne(srv *lb.Server, rec Record, logger *slog.Logger) {
	snap := srv.Snapshot()

	// Restore the DNS-resolved address only for the server it was
	// resolved for — a stale record from a reused srv_id/name with a
	// different FQDN must not clobber a freshly (re)configured address.
	if rec.SrvFQDN != "" && rec.SrvFQDN == snap.FQDN && rec.SrvAddr != "" && rec.SrvAddr != snap.Addr {
		if err := srv.SetAddress(rec.SrvAddr, strings.Contains(rec.SrvAddr, ":")); err != nil {
			logger.Warn("state-file record: rejecting restored address", "server", srv.Name, "error", err)
		}
	}

	if rec.AgentState != "" && rec.AgentState != snap.AgentState {
		srv.SetAgentState(rec.AgentState)
	}

	recordsMaint := strings.Contains(rec.SrvAdminState, "MAINT")
	if !recordsMaint && snap.Admin.Maint() {
		logger.Debug("state-file record would clear configured MAINT, not applying admin state", "server", srv.Name)
		return
	}
	if recordsMaint && !snap.Admin.Maint() {
		srv.SetMaint()
	}
}
