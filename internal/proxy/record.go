// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"strconv"
	"time"

	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/statefile"
)

// toRecord renders one server's current snapshot as a state-file Record
// (§3/§6), the inverse of statefile.Apply's reconciliation.
func toRecord(proxyUUID, proxyName string, srv *lb.Server) statefile.Record {
	snap := srv.Snapshot()
	return statefile.Record{
		ProxyUUID:       proxyUUID,
		ProxyName:       proxyName,
		SrvID:           srv.ID,
		SrvName:         srv.Name,
		SrvAddr:         snap.Addr,
		SrvOperState:    operStateName(snap.Oper),
		SrvAdminState:   snap.Admin.String(),
		SrvUWeight:      snap.UWeight,
		SrvIWeight:      snap.IWeight,
		LastChangeDelta: int64(time.Since(snap.LastChange).Seconds()),
		CheckStatus:     checkStatusName(snap.Check),
		CheckResult:     strconv.Itoa(snap.Check.Health),
		CheckHealth:     strconv.Itoa(snap.Check.Health),
		CheckState:      checkStateName(snap.Check),
		AgentState:      snap.AgentState,
		BkForcedID:      "",
		SrvForcedID:     "",
		SrvFQDN:         snap.FQDN,
		SrvPort:         snap.Port,
		SrvRecord:       snap.SRVRecord,
	}
}

func operStateName(o lb.OperState) string {
	switch o {
	case lb.StateStopped:
		return "STOPPED"
	case lb.StateStopping:
		return "STOPPING"
	case lb.StateStarting:
		return "STARTING"
	case lb.StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

func checkStatusName(c lb.CheckState) string {
	if c.Paused {
		return "PAUSED"
	}
	return "ACTIVE"
}

func checkStateName(c lb.CheckState) string {
	if c.Paused {
		return "PAUSED"
	}
	if c.Health > 0 {
		return "UP"
	}
	return "DOWN"
}

// poolSnapshotter adapts a set of named backend pools into the single
// []Record view statefile.Scheduler persists, implementing
// statefile.Snapshotter.
type poolSnapshotter struct {
	proxyUUID string
	proxyName string
	backends  map[string]lb.Pool
}

func (p *poolSnapshotter) Snapshot() []statefile.Record {
	var records []statefile.Record
	for _, pool := range p.backends {
		for _, srv := range pool {
			records = append(records, toRecord(p.proxyUUID, p.proxyName, srv))
		}
	}
	return records
}
