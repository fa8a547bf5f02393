// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lb

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transition is one queued operational-state change, routed through the
// UpdateQueue so concurrent admin/health-check/DNS writers never apply a
// transition directly — every change lands at the next sync point
// (§4.5: "all routed via the update queue, applied at sync point").
type Transition struct {
	Server *Server
	Next   OperState
}

// UpdateQueue batches queued Transitions and applies them at Flush,
// mirroring the teacher's producer/drain split in
// internal/agent/dispatcher.go's per-stream chunk queues.
type UpdateQueue struct {
	mu    sync.Mutex
	items []Transition
	hooks ShutdownHook
}

// NewUpdateQueue constructs an UpdateQueue; hooks may be nil for
// state-machine-only tests.
func NewUpdateQueue(hooks ShutdownHook) *UpdateQueue {
	return &UpdateQueue{hooks: hooks}
}

// Push enqueues a transition for the next Flush.
func (q *UpdateQueue) Push(srv *Server, next OperState) {
	q.mu.Lock()
	q.items = append(q.items, Transition{Server: srv, Next: next})
	q.mu.Unlock()
}

// Flush applies every queued transition in FIFO order and returns how
// many were applied — the sync point the spec refers to.
func (q *UpdateQueue) Flush() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, t := range items {
		t.Server.TransitionTo(t.Next, q.hooks)
	}
	return len(items)
}

// Pending reports how many transitions are queued but not yet applied.
func (q *UpdateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Resolution is one DNS lookup result for a server whose address tracks a
// name (§4.5 DNS-driven RMAINT and §3 srv_fqdn/srvrecord fields).
type Resolution struct {
	Status ResolutionStatus
	Addr   string
	IsIPv6 bool
}

type ResolutionStatus int

const (
	ResolutionValid ResolutionStatus = iota
	ResolutionNX
	ResolutionTimeout
	ResolutionRefused
	ResolutionOther
)

// Resolver is the external collaborator that performs the actual DNS
// lookup; concrete resolution (caching, SRV record parsing) is out of
// scope here (§1 transport/out-of-scope list).
type Resolver interface {
	Resolve(ctx context.Context, fqdn string) Resolution
}

// holdTimes maps a non-VALID resolution status to how long a previously
// valid address is tolerated before RMAINT engages (§4.5's hold.<status>).
type HoldTimes struct {
	NX      time.Duration
	Timeout time.Duration
	Refused time.Duration
	Other   time.Duration
}

func (h HoldTimes) forStatus(s ResolutionStatus) time.Duration {
	switch s {
	case ResolutionNX:
		return h.NX
	case ResolutionTimeout:
		return h.Timeout
	case ResolutionRefused:
		return h.Refused
	default:
		return h.Other
	}
}

// dnsState is the per-server bookkeeping the AddressPortUpdater needs
// beyond what Server itself stores — when the address was last valid.
type dnsState struct {
	lastValid time.Time
}

// AddressPortUpdater periodically re-resolves every FQDN-backed server in
// its pool and applies the DNS-driven RMAINT rule and address updates.
// Grounded on internal/agent/autoscaler.go's ticker-driven Run/evaluate
// loop, adapted from throughput thresholds to DNS hold-time thresholds.
type AddressPortUpdater struct {
	pool     Pool
	resolver Resolver
	hold     HoldTimes
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state map[*Server]*dnsState
}

// NewAddressPortUpdater constructs an updater for the given server pool.
func NewAddressPortUpdater(pool Pool, resolver Resolver, hold HoldTimes, interval time.Duration, logger *slog.Logger) *AddressPortUpdater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AddressPortUpdater{
		pool:     pool,
		resolver: resolver,
		hold:     hold,
		interval: interval,
		logger:   logger.With("component", "lb_address_port_updater"),
		state:    make(map[*Server]*dnsState),
	}
}

// Run re-resolves every FQDN-backed server on each tick until ctx is
// canceled.
func (u *AddressPortUpdater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.evaluateAll(ctx)
		}
	}
}

func (u *AddressPortUpdater) evaluateAll(ctx context.Context) {
	for _, srv := range u.pool {
		if srv.FQDN == "" {
			continue
		}
		u.evaluate(ctx, srv)
	}
}

func (u *AddressPortUpdater) evaluate(ctx context.Context, srv *Server) {
	res := u.resolver.Resolve(ctx, srv.FQDN)
	now := time.Now()

	u.mu.Lock()
	st, ok := u.state[srv]
	if !ok {
		st = &dnsState{lastValid: now}
		u.state[srv] = st
	}
	u.mu.Unlock()

	if res.Status == ResolutionValid {
		wasRMaint := srv.Snapshot().Admin&RMAINT != 0
		if err := srv.SetAddress(res.Addr, res.IsIPv6); err != nil {
			u.logger.Warn("rejecting DNS address update", "server", srv.Name, "error", err)
		} else if wasRMaint {
			srv.clearAdminFlag(RMAINT)
			u.logger.Info("server address resolved, clearing RMAINT", "server", srv.Name, "addr", res.Addr)
		}
		u.mu.Lock()
		st.lastValid = now
		u.mu.Unlock()
		return
	}

	u.mu.Lock()
	elapsed := now.Sub(st.lastValid)
	u.mu.Unlock()

	if elapsed > u.hold.forStatus(res.Status) {
		srv.setAdminFlag(RMAINT)
	}
}
