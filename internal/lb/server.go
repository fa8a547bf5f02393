// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package lb implements the Server Lifecycle Engine: per-server admin-flag
// algebra, operational state transitions, weight/slowstart recomputation,
// the update queue transitions are routed through to apply at a sync
// point, and DNS-driven address/port maintenance.
package lb

import (
	"fmt"
	"sync"
	"time"
)

// AdminFlag is a bit in a server's administrative state (§3/§4.5). MAINT
// and DRAIN each have a "forced" (F) and "inherited" (I) variant: setting
// the forced variant propagates the inherited variant to every tracker.
type AdminFlag uint32

const (
	FMAINT AdminFlag = 1 << iota
	IMAINT
	FDRAIN
	IDRAIN
	RMAINT // DNS-resolution failure maintenance
	CMAINT // config-initial maintenance (set at load, before any admin action)
	HMAINT // CLI-set-hostname maintenance (fqdn changed, pending re-resolution)
)

func (f AdminFlag) String() string {
	var parts []string
	for flag, name := range map[AdminFlag]string{
		FMAINT: "FMAINT", IMAINT: "IMAINT", FDRAIN: "FDRAIN", IDRAIN: "IDRAIN",
		RMAINT: "RMAINT", CMAINT: "CMAINT", HMAINT: "HMAINT",
	} {
		if f&flag != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// Maint reports whether any MAINT variant is set — MAINT of any kind masks
// DRAIN and disables health checks (§4.5 admin-flag algebra).
func (f AdminFlag) Maint() bool {
	return f&(FMAINT|IMAINT|RMAINT|CMAINT|HMAINT) != 0
}

// OperState is a server's operational state (§4.5 transitions table).
type OperState int

const (
	StateStopped OperState = iota
	StateStopping
	StateStarting
	StateRunning
)

func (s OperState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStopping:
		return "STOPPING"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

func (s OperState) running() bool { return s == StateRunning || s == StateStarting }

// CheckState mirrors the health-check subsystem's pause flag: MAINT sets
// this and zeroes Health (§4.5: "disables health checks").
type CheckState struct {
	Paused bool
	Health int
	// Rise is the configured health value a server's check resumes at
	// when MAINT clears: starts OK, needs one failure to fall (§3).
	// Zero is treated as the HAProxy default of 2.
	Rise int
}

func (c CheckState) rise() int {
	if c.Rise <= 0 {
		return defaultRise
	}
	return c.Rise
}

// defaultRise mirrors HAProxy's own default `rise` count.
const defaultRise = 2

// Algorithm carries the weight-recomputation divisor/multiplier pair and
// whether the backend's LB algorithm recomputes weight dynamically during
// slowstart (§4.5 weight recomputation formula).
type Algorithm struct {
	WDiv    int
	WMult   int
	Dynamic bool
}

// ShutdownHook lets the lifecycle engine ask an external collaborator
// (the stream/session registry) to terminate sessions bound to a server,
// and to redistribute or claim queued connections. Concrete session
// bookkeeping is out of scope for this package (§1).
type ShutdownHook interface {
	TerminateSessionsOn(srv *Server)
	TerminateBackupSessions(forBackend string)
	RedistributeQueuedFrom(srv *Server)
	ClaimQueuedFor(srv *Server)
}

// Server is one load-balanced backend server's lifecycle state (§3 Data
// Model). Mutations go through its methods so admin-flag propagation to
// trackers stays consistent; fields are read directly under RLock by
// callers that only need a snapshot (weight recompute, state-file dump).
type Server struct {
	ProxyUUID string
	ProxyName string
	ID        int
	Name      string

	mu sync.RWMutex

	Addr       string // IPv4 or IPv6 literal
	Port       int
	MapPorts   bool // port-offset mode: Port is relative to the check/frontend port
	IsBackup   bool
	FQDN       string
	SRVRecord  string

	Oper  OperState
	Admin AdminFlag

	UWeight int // configured weight
	IWeight int // initial weight at startup, used for state-file persistence
	EWeight int // effective weight after recompute

	Slowstart time.Duration
	LastChange time.Time
	Algo       Algorithm

	Check CheckState

	OnMarkedDownShutdownSessions  bool
	OnMarkedUpShutdownBackupOnes  bool

	// CheckPort is the dedicated L4/L7 health-check port (`set server
	// <bk>/<srv> check-port <n>`), independent of the traffic port; its
	// presence is what lets SetPort enable MAPPORTS (§4.5).
	CheckPort             int
	HasDedicatedCheckPort bool

	// HealthCheckEnabled and AgentCheckEnabled gate the two independent
	// check subsystems toggled by `enable|disable {health|agent} <bk>/<srv>`
	// (§6). AgentState mirrors the agent-check protocol's last reported
	// state ("up", "down", "drain", ... — free-form, §3 agent_state column).
	HealthCheckEnabled bool
	AgentCheckEnabled  bool
	AgentState         string

	// trackers are servers whose admin state mirrors this one's MAINT/
	// DRAIN transitions (the "tracking" relation, §4.5).
	trackers []*Server

	// zeroWeightDrain marks that FDRAIN is currently set because UWeight
	// dropped to 0, not because an operator forced DRAIN directly — only
	// this derived FDRAIN auto-clears on the weight's return to non-zero
	// (§8: "Weight change from 0% to non-zero ... FDRAIN cleared").
	zeroWeightDrain bool

	downTransitions int
}

// NewServer constructs a Server in STOPPED/no-admin-flags state with the
// given configured weight and algorithm divisor/multiplier.
func NewServer(proxyUUID, proxyName string, id int, name string, uweight int, algo Algorithm) *Server {
	now := time.Now()
	return &Server{
		ProxyUUID:  proxyUUID,
		ProxyName:  proxyName,
		ID:         id,
		Name:       name,
		Oper:       StateStopped,
		UWeight:    uweight,
		IWeight:    uweight,
		Algo:       algo,
		LastChange: now,
		HealthCheckEnabled: true,
		AgentState:         "",
	}
}

// Track registers other as a tracker of s: future MAINT/DRAIN flag
// propagation on s also applies the inherited flag to other.
func (s *Server) Track(other *Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers = append(s.trackers, other)
}

// Snapshot is a value copy of the fields callers most often need
// without holding s.mu across an external call. Its field set is driven
// by the state-file record (§3): everything a Record needs to be built
// without reaching past Server's mutex is captured here.
type Snapshot struct {
	Oper            OperState
	Admin           AdminFlag
	EWeight         int
	IWeight         int
	UWeight         int
	Addr            string
	Port            int
	MapPorts        bool
	FQDN            string
	SRVRecord       string
	Check              CheckState
	LastChange         time.Time
	DownTransitions    int
	CheckPort          int
	HasDedicatedCheckPort bool
	HealthCheckEnabled bool
	AgentCheckEnabled  bool
	AgentState         string
}

func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Oper:            s.Oper,
		Admin:           s.Admin,
		EWeight:         s.EWeight,
		IWeight:         s.IWeight,
		UWeight:         s.UWeight,
		Addr:            s.Addr,
		Port:            s.Port,
		MapPorts:        s.MapPorts,
		FQDN:            s.FQDN,
		SRVRecord:       s.SRVRecord,
		Check:              s.Check,
		LastChange:         s.LastChange,
		DownTransitions:    s.downTransitions,
		CheckPort:          s.CheckPort,
		HasDedicatedCheckPort: s.HasDedicatedCheckPort,
		HealthCheckEnabled: s.HealthCheckEnabled,
		AgentCheckEnabled:  s.AgentCheckEnabled,
		AgentState:         s.AgentState,
	}
}

// ActiveServers reports the count of servers whose operational state is
// RUNNING/STARTING and have no MAINT flag set, for a slice of servers
// belonging to one backend. Implements the lb.BackendStatus contract the
// Agent Runtime consults for min_applets_act() (SPEC_FULL.md §4).
type Pool []*Server

func (p Pool) ActiveServers() int {
	n := 0
	for _, s := range p {
		snap := s.Snapshot()
		if snap.Oper.running() && !snap.Admin.Maint() {
			n++
		}
	}
	return n
}

// setAdminFlag sets flag on s and, for a MAINT or DRAIN flag (forced or
// inherited), propagates the matching inherited flag to every tracker
// (transitive closure, §4.5). Propagation stops at a server that already
// held the inherited flag. Caller must not hold s.mu.
func (s *Server) setAdminFlag(flag AdminFlag) {
	s.mu.Lock()
	had := s.Admin&flag != 0
	s.Admin |= flag
	if flag&(FMAINT|IMAINT|RMAINT|CMAINT|HMAINT) != 0 {
		s.Check.Paused = true
		s.Check.Health = 0
	}
	trackers := append([]*Server(nil), s.trackers...)
	s.mu.Unlock()

	var inherited AdminFlag
	switch flag {
	case FMAINT, IMAINT:
		inherited = IMAINT
	case FDRAIN, IDRAIN:
		inherited = IDRAIN
	default:
		return
	}
	if had && flag == inherited {
		return
	}
	for _, t := range trackers {
		t.setAdminFlag(inherited)
	}
}

// clearAdminFlag clears flag on s unless the equivalent inherited flag is
// still present, per the "clearing is a no-op if the inherited flag
// remains" rule. Once s holds neither the forced nor the inherited flag
// of a MAINT or DRAIN pair, the clear of the inherited flag propagates to
// every tracker, transitively.
func (s *Server) clearAdminFlag(flag AdminFlag) {
	s.mu.Lock()
	switch flag {
	case FMAINT:
		if s.Admin&IMAINT != 0 {
			s.mu.Unlock()
			return
		}
	case FDRAIN:
		if s.Admin&IDRAIN != 0 {
			s.mu.Unlock()
			return
		}
	}
	had := s.Admin&flag != 0
	s.Admin &^= flag
	still := s.Admin
	if s.Admin&(FMAINT|IMAINT|RMAINT|CMAINT|HMAINT) == 0 {
		s.Check.Paused = false
		s.Check.Health = s.Check.rise()
	}
	trackers := append([]*Server(nil), s.trackers...)
	s.mu.Unlock()

	var inherited AdminFlag
	switch flag {
	case FMAINT, IMAINT:
		if still&(FMAINT|IMAINT) != 0 {
			return
		}
		inherited = IMAINT
	case FDRAIN, IDRAIN:
		if still&(FDRAIN|IDRAIN) != 0 {
			return
		}
		inherited = IDRAIN
	default:
		return
	}
	if !had && flag == inherited {
		return
	}
	for _, t := range trackers {
		t.clearAdminFlag(inherited)
	}
}

// SetMaint forces MAINT on s and every tracker.
func (s *Server) SetMaint() { s.setAdminFlag(FMAINT) }

// ClearMaint clears forced MAINT on s (and trackers), unless a tracker's
// own inherited flag is still set.
func (s *Server) ClearMaint() { s.clearAdminFlag(FMAINT) }

// SetDrain forces DRAIN on s and every tracker.
func (s *Server) SetDrain() { s.setAdminFlag(FDRAIN) }

// ClearDrain clears forced DRAIN on s (and trackers).
func (s *Server) ClearDrain() { s.clearAdminFlag(FDRAIN) }

// SetConfigMaint applies the config-file "disabled" MAINT variant — set
// once at load time, before any operator admin action, and not
// propagated to trackers (it reflects this server's own configuration,
// not an action taken on a tracked server).
func (s *Server) SetConfigMaint() { s.setAdminFlag(CMAINT) }

// ClearConfigMaint lifts config-initial MAINT, e.g. after a config
// reload re-enables the server.
func (s *Server) ClearConfigMaint() { s.clearAdminFlag(CMAINT) }

// SetHostnameMaint pauses a server while its `fqdn` is being changed via
// the CLI (`set server <bk>/<srv> fqdn <name>`), until the next DNS
// resolution cycle produces a fresh address.
func (s *Server) SetHostnameMaint() { s.setAdminFlag(HMAINT) }

// ClearHostnameMaint lifts HMAINT once a resolution for the new fqdn has
// completed.
func (s *Server) ClearHostnameMaint() { s.clearAdminFlag(HMAINT) }

// RecalcEWeight implements the weight-recomputation formula (§4.5). Call
// it after any admin/oper transition and periodically during slowstart.
// TransitionTo calls it once on entering STARTING; nothing in this module
// schedules the periodic calls (WarmupInterval gives their period).
func (s *Server) RecalcEWeight(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wdiv, wmult := s.Algo.WDiv, s.Algo.WMult
	if wdiv <= 0 {
		wdiv = 1
	}
	if wmult <= 0 {
		wmult = 1
	}
	u := s.UWeight
	t := now.Sub(s.LastChange)

	switch {
	case t >= s.Slowstart:
		if s.Oper == StateStarting {
			s.Oper = StateRunning
		}
		s.EWeight = (u*wdiv + wmult - 1) / wmult
	case s.Oper == StateStarting && s.Algo.Dynamic:
		ms := t.Milliseconds()
		ss := s.Slowstart.Milliseconds()
		if ss <= 0 {
			ss = 1
		}
		scaled := (wdiv*int(ms) + int(ss)) / int(ss)
		s.EWeight = (u*scaled + wmult - 1) / wmult
	default:
		s.EWeight = (u*wdiv + wmult - 1) / wmult
	}
}

// WarmupInterval returns the slowstart re-evaluation period: max(1000ms,
// slowstart/20). No code in this module calls it or runs a warmup task.
func (s *Server) WarmupInterval() time.Duration {
	s.mu.RLock()
	ss := s.Slowstart
	s.mu.RUnlock()
	min := time.Second
	if iv := ss / 20; iv > min {
		return iv
	}
	return min
}

// TransitionTo implements the operational transitions table (§4.5). hooks
// may be nil, in which case entry actions that would call into it are
// skipped (useful for state-machine-only unit tests).
func (s *Server) TransitionTo(next OperState, hooks ShutdownHook) {
	s.mu.Lock()
	cur := s.Oper
	if cur == next {
		s.mu.Unlock()
		return
	}
	s.LastChange = time.Now()
	s.Oper = next
	backup := s.IsBackup
	eweight := s.EWeight
	shutdownOnDown := s.OnMarkedDownShutdownSessions
	shutdownBackupOnUp := s.OnMarkedUpShutdownBackupOnes
	if next == StateStopped {
		s.downTransitions++
	}
	s.mu.Unlock()

	switch {
	case next == StateStopped:
		if hooks != nil {
			if shutdownOnDown {
				hooks.TerminateSessionsOn(s)
			}
			hooks.RedistributeQueuedFrom(s)
		}
	case next == StateStopping:
		// Entry actions mirror STOPPED but intentionally skip session
		// termination and aggressive redistribution (§4.5).
	case next == StateRunning, next == StateStarting:
		if next == StateStarting {
			s.RecalcEWeight(time.Now())
		}
		if hooks != nil {
			if shutdownBackupOnUp && !backup && eweight > 0 {
				hooks.TerminateBackupSessions(s.ProxyName)
			}
			hooks.ClaimQueuedFor(s)
		}
	}
}

// DownTransitions returns the number of times this server has entered
// STOPPED, for monitoring.
func (s *Server) DownTransitions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.downTransitions
}

// SetAddress applies an address change, rejecting a family switch at
// runtime (§4.5: "changing family at runtime is rejected").
func (s *Server) SetAddress(addr string, isIPv6 bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasIPv6 := isIPv6Literal(s.Addr)
	if s.Addr != "" && wasIPv6 != isIPv6 {
		return fmt.Errorf("lb: rejecting address family change on server %s", s.Name)
	}
	s.Addr = addr
	return nil
}

// SetFQDN updates the hostname a server's address tracks, the target of
// `set server <bk>/<srv> fqdn <name>` (§6). It does not itself touch
// admin state; callers decide whether a change warrants HMAINT.
func (s *Server) SetFQDN(fqdn string) {
	s.mu.Lock()
	s.FQDN = fqdn
	s.mu.Unlock()
}

// SetPort applies the port-change rules (§4.5): an explicit unsigned
// value is absolute; a signed delta toggles MAPPORTS. Switching into
// MAPPORTS is rejected when a health check is configured without its own
// dedicated port (hasDedicatedCheckPort tells us which).
func (s *Server) SetPort(raw string, hasDedicatedCheckPort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapports := len(raw) > 0 && (raw[0] == '+' || raw[0] == '-')
	if mapports && !hasDedicatedCheckPort {
		return fmt.Errorf("lb: cannot enable MAPPORTS on server %s without a dedicated check port", s.Name)
	}

	var port int
	if _, err := fmt.Sscanf(raw, "%d", &port); err != nil {
		return fmt.Errorf("lb: invalid port %q: %w", raw, err)
	}
	s.MapPorts = mapports
	if mapports {
		s.Port += port // delta relative to whatever base the caller resolves
	} else {
		s.Port = port
	}
	return nil
}

// SetUWeight applies `set server <bk>/<srv> weight <n>[%]` (§6); the
// caller resolves a percentage against the configured IWeight before
// calling this. The effective weight is left stale until the next
// RecalcEWeight (TransitionTo's entry into STARTING, or a direct call).
//
// A transition to 0% derives FDRAIN (a 0-weight server takes no new
// traffic, same end state as an operator DRAIN); the converse transition
// away from 0% clears that derived FDRAIN, but only the portion this
// method itself set — an operator's own `set server ... state drain`
// is left alone (§8).
func (s *Server) SetUWeight(uweight int) {
	s.mu.Lock()
	prev := s.UWeight
	s.UWeight = uweight
	wasFDRAIN := s.Admin&FDRAIN != 0
	becameZero := prev != 0 && uweight == 0 && !wasFDRAIN
	becameNonZero := prev == 0 && uweight != 0 && s.zeroWeightDrain
	if becameZero {
		s.zeroWeightDrain = true
	} else if becameNonZero {
		s.zeroWeightDrain = false
	}
	s.mu.Unlock()

	if becameZero {
		s.setAdminFlag(FDRAIN)
	} else if becameNonZero {
		s.clearAdminFlag(FDRAIN)
	}
}

// SetCheckPort records a dedicated health-check port (`set server
// <bk>/<srv> check-port <n>`), which is what later lets SetPort accept a
// MAPPORTS delta.
func (s *Server) SetCheckPort(port int) {
	s.mu.Lock()
	s.CheckPort = port
	s.HasDedicatedCheckPort = true
	s.mu.Unlock()
}

// SetAgentState records the agent-check protocol's last reported state
// (`set server <bk>/<srv> agent <state>`, §6); the value is opaque to this
// package and persisted verbatim to the state file's agent_state column.
func (s *Server) SetAgentState(state string) {
	s.mu.Lock()
	s.AgentState = state
	s.mu.Unlock()
}

// EnableHealthCheck and DisableHealthCheck implement `enable|disable health
// <bk>/<srv>` (§6), independent of MAINT/DRAIN admin state.
func (s *Server) EnableHealthCheck() {
	s.mu.Lock()
	s.HealthCheckEnabled = true
	s.mu.Unlock()
}

func (s *Server) DisableHealthCheck() {
	s.mu.Lock()
	s.HealthCheckEnabled = false
	s.mu.Unlock()
}

// EnableAgentCheck and DisableAgentCheck implement `enable|disable agent
// <bk>/<srv>` (§6).
func (s *Server) EnableAgentCheck() {
	s.mu.Lock()
	s.AgentCheckEnabled = true
	s.mu.Unlock()
}

func (s *Server) DisableAgentCheck() {
	s.mu.Lock()
	s.AgentCheckEnabled = false
	s.mu.Unlock()
}

func isIPv6Literal(addr string) bool {
	for _, c := range addr {
		if c == ':' {
			return true
		}
	}
	return false
}
