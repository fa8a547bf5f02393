// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lb

import (
	"testing"
	"time"
)

type fakeHooks struct {
	terminated    []*Server
	backupTerms   []string
	redistributed []*Server
	claimed       []*Server
}

func (h *fakeHooks) TerminateSessionsOn(srv *Server)          { h.terminated = append(h.terminated, srv) }
func (h *fakeHooks) TerminateBackupSessions(forBackend string) { h.backupTerms = append(h.backupTerms, forBackend) }
func (h *fakeHooks) RedistributeQueuedFrom(srv *Server)       { h.redistributed = append(h.redistributed, srv) }
func (h *fakeHooks) ClaimQueuedFor(srv *Server)               { h.claimed = append(h.claimed, srv) }

func TestServer_MaintPropagatesToTrackers(t *testing.T) {
	base := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	tracker := NewServer("uuid", "px", 2, "srv2", 10, Algorithm{WDiv: 1, WMult: 1})
	base.Track(tracker)

	base.SetMaint()
	if !base.Snapshot().Admin.Maint() {
		t.Fatal("expected base to be in MAINT")
	}
	if tracker.Snapshot().Admin&IMAINT == 0 {
		t.Fatal("expected tracker to inherit IMAINT")
	}

	base.ClearMaint()
	if base.Snapshot().Admin&FMAINT != 0 {
		t.Fatal("expected FMAINT cleared on base")
	}
	if tracker.Snapshot().Admin&IMAINT != 0 {
		t.Fatal("expected tracker's IMAINT cleared")
	}
}

func TestServer_ClearMaintNoOpWhileInherited(t *testing.T) {
	base := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	tracker := NewServer("uuid", "px", 2, "srv2", 10, Algorithm{WDiv: 1, WMult: 1})
	base.Track(tracker)
	base.SetMaint()

	// Clearing the tracker's own forced MAINT (which was never set) must
	// not clear the inherited flag it got from base.
	tracker.ClearMaint()
	if tracker.Snapshot().Admin&IMAINT == 0 {
		t.Fatal("clearing forced MAINT should not clear an inherited MAINT still backed by the tracking relation")
	}
}

func TestServer_ClearMaintResumesHealthAtRise(t *testing.T) {
	srv := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	srv.Check.Rise = 3

	srv.SetMaint()
	if got := srv.Snapshot().Check.Health; got != 0 {
		t.Fatalf("expected health=0 while MAINT is set, got %d", got)
	}

	srv.ClearMaint()
	snap := srv.Snapshot()
	if snap.Check.Paused {
		t.Fatal("expected checks unpaused after MAINT cleared")
	}
	if snap.Check.Health != 3 {
		t.Fatalf("expected health=rise(3) after MAINT cleared, got %d", snap.Check.Health)
	}
}

func TestServer_ClearMaintDefaultsRiseWhenUnconfigured(t *testing.T) {
	srv := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	srv.SetMaint()
	srv.ClearMaint()
	if got := srv.Snapshot().Check.Health; got != defaultRise {
		t.Fatalf("expected health=defaultRise(%d) when Rise is unconfigured, got %d", defaultRise, got)
	}
}

func TestServer_SetUWeightZeroDerivesAndClearsFDRAIN(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})

	s.SetUWeight(0)
	if s.Snapshot().Admin&FDRAIN == 0 {
		t.Fatal("expected FDRAIN derived from a 0% weight")
	}

	s.SetUWeight(10)
	if s.Snapshot().Admin&FDRAIN != 0 {
		t.Fatal("expected derived FDRAIN cleared once weight left 0%")
	}
}

func TestServer_SetUWeightZeroLeavesOperatorDrainAlone(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})

	s.SetDrain() // operator-forced, independent of weight
	s.SetUWeight(0)
	s.SetUWeight(10)
	if s.Snapshot().Admin&FDRAIN == 0 {
		t.Fatal("expected an operator-forced FDRAIN to survive a weight round trip through 0%")
	}
}

func TestServer_RecalcEWeightStaticAlgorithm(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 100, Algorithm{WDiv: 1, WMult: 1, Dynamic: false})
	s.LastChange = time.Now().Add(-time.Hour)
	s.Oper = StateRunning
	s.RecalcEWeight(time.Now())
	if s.Snapshot().EWeight != 100 {
		t.Fatalf("eweight = %d, want 100", s.Snapshot().EWeight)
	}
}

func TestServer_RecalcEWeightSlowstartCompletes(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 100, Algorithm{WDiv: 1, WMult: 1, Dynamic: true})
	s.Slowstart = 10 * time.Second
	s.Oper = StateStarting
	s.LastChange = time.Now().Add(-20 * time.Second) // well past slowstart

	s.RecalcEWeight(time.Now())
	if s.Snapshot().Oper != StateRunning {
		t.Fatalf("oper = %s, want RUNNING once t >= slowstart", s.Snapshot().Oper)
	}
	if s.Snapshot().EWeight != 100 {
		t.Fatalf("eweight = %d, want full 100 after slowstart completes", s.Snapshot().EWeight)
	}
}

func TestServer_RecalcEWeightDuringSlowstartIsPartial(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 100, Algorithm{WDiv: 16, WMult: 16, Dynamic: true})
	s.Slowstart = 10 * time.Second
	s.Oper = StateStarting
	s.LastChange = time.Now().Add(-5 * time.Second) // halfway through slowstart: scaled 9 of 16

	s.RecalcEWeight(time.Now())
	got := s.Snapshot().EWeight
	if got <= 0 || got >= 100 {
		t.Fatalf("eweight = %d, want a partial value strictly between 0 and 100", got)
	}
}

func TestServer_TransitionToStoppedTerminatesAndRedistributes(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	s.Oper = StateRunning
	s.OnMarkedDownShutdownSessions = true
	hooks := &fakeHooks{}

	s.TransitionTo(StateStopped, hooks)

	if s.Snapshot().Oper != StateStopped {
		t.Fatalf("oper = %s, want STOPPED", s.Snapshot().Oper)
	}
	if len(hooks.terminated) != 1 || hooks.terminated[0] != s {
		t.Fatalf("expected sessions terminated on down transition, got %v", hooks.terminated)
	}
	if len(hooks.redistributed) != 1 {
		t.Fatalf("expected queued streams redistributed, got %d calls", len(hooks.redistributed))
	}
	if s.DownTransitions() != 1 {
		t.Fatalf("down transitions = %d, want 1", s.DownTransitions())
	}
}

func TestServer_TransitionToStoppingDoesNotTerminateSessions(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	s.Oper = StateRunning
	s.OnMarkedDownShutdownSessions = true
	hooks := &fakeHooks{}

	s.TransitionTo(StateStopping, hooks)

	if len(hooks.terminated) != 0 {
		t.Fatalf("STOPPING must not terminate sessions, got %d calls", len(hooks.terminated))
	}
}

func TestServer_TransitionToRunningClaimsQueuedStreams(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	s.Oper = StateStopped
	hooks := &fakeHooks{}

	s.TransitionTo(StateStarting, hooks)

	if len(hooks.claimed) != 1 {
		t.Fatalf("expected queued streams claimed on up transition, got %d calls", len(hooks.claimed))
	}
}

func TestServer_SetAddressRejectsFamilyChange(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	if err := s.SetAddress("10.0.0.1", false); err != nil {
		t.Fatalf("initial SetAddress: %v", err)
	}
	if err := s.SetAddress("::1", true); err == nil {
		t.Fatal("expected family change to be rejected")
	}
}

func TestServer_SetPortMapportsRequiresDedicatedCheckPort(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})
	if err := s.SetPort("+10", false); err == nil {
		t.Fatal("expected MAPPORTS to be rejected without a dedicated check port")
	}
	if err := s.SetPort("+10", true); err != nil {
		t.Fatalf("SetPort with dedicated check port: %v", err)
	}
	if !s.MapPorts {
		t.Fatal("expected MAPPORTS enabled after a signed port delta")
	}
}

func TestServer_Pool_ActiveServers(t *testing.T) {
	up := NewServer("uuid", "px", 1, "up", 10, Algorithm{WDiv: 1, WMult: 1})
	up.Oper = StateRunning
	down := NewServer("uuid", "px", 2, "down", 10, Algorithm{WDiv: 1, WMult: 1})
	down.Oper = StateStopped
	maint := NewServer("uuid", "px", 3, "maint", 10, Algorithm{WDiv: 1, WMult: 1})
	maint.Oper = StateRunning
	maint.SetMaint()

	pool := Pool{up, down, maint}
	if got := pool.ActiveServers(); got != 1 {
		t.Fatalf("ActiveServers = %d, want 1", got)
	}
}

func TestServer_ConfigAndHostnameMaintPauseChecksIndependently(t *testing.T) {
	s := NewServer("uuid", "px", 1, "srv1", 10, Algorithm{WDiv: 1, WMult: 1})

	s.SetConfigMaint()
	if !s.Admin.Maint() || !s.Check.Paused {
		t.Fatal("expected CMAINT to set Maint() and pause checks")
	}
	s.ClearConfigMaint()
	if s.Admin.Maint() || s.Check.Paused {
		t.Fatal("expected clearing CMAINT to resume checks when no other MAINT variant is set")
	}

	s.SetHostnameMaint()
	s.SetConfigMaint()
	s.ClearConfigMaint()
	if !s.Admin.Maint() || !s.Check.Paused {
		t.Fatal("expected HMAINT to keep Maint() true and checks paused after ClearConfigMaint")
	}
	s.ClearHostnameMaint()
	if s.Admin.Maint() || s.Check.Paused {
		t.Fatal("expected clearing the last MAINT variant to resume checks")
	}
}
