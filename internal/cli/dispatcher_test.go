// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"strings"
	"testing"

	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/tlskeys"
)

func newTestDispatcher() (*Dispatcher, *lb.Server) {
	srv := lb.NewServer("uuid-1", "web", 1, "web1", 100, lb.Algorithm{WDiv: 1, WMult: 1})
	reg := NewRegistry()
	reg.Register("web", "web1", srv)
	queue := lb.NewUpdateQueue(nil)
	return NewDispatcher(reg, queue, tlskeys.NewManager()), srv
}

func TestDispatcher_SetServerStateMaintAndReady(t *testing.T) {
	d, srv := newTestDispatcher()

	if res := d.Execute("set server web/web1 state maint"); res.ExitCode != 0 {
		t.Fatalf("state maint: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if !srv.Snapshot().Admin.Maint() {
		t.Fatal("expected server to be in MAINT")
	}

	if res := d.Execute("set server web/web1 state ready"); res.ExitCode != 0 {
		t.Fatalf("state ready: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if srv.Snapshot().Admin.Maint() {
		t.Fatal("expected MAINT cleared after 'state ready'")
	}
}

func TestDispatcher_SetServerHealthQueuesTransition(t *testing.T) {
	d, srv := newTestDispatcher()
	srv.TransitionTo(lb.StateRunning, nil) // NewServer starts STOPPED; "health down" needs an UP server

	if res := d.Execute("set server web/web1 health down"); res.ExitCode != 0 {
		t.Fatalf("health down: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if srv.Snapshot().Oper == lb.StateStopped {
		t.Fatal("health transitions are routed through the update queue, not applied immediately")
	}
	if d.queue.Pending() != 1 {
		t.Fatalf("queue.Pending() = %d, want 1", d.queue.Pending())
	}
	d.queue.Flush()
	if srv.Snapshot().Oper != lb.StateStopped {
		t.Fatalf("oper = %s, want STOPPED after flush", srv.Snapshot().Oper)
	}
}

func TestDispatcher_SetServerWeightAbsoluteAndPercent(t *testing.T) {
	d, srv := newTestDispatcher()

	if res := d.Execute("set server web/web1 weight 50"); res.ExitCode != 0 {
		t.Fatalf("weight 50: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if got := srv.Snapshot().UWeight; got != 50 {
		t.Fatalf("UWeight = %d, want 50", got)
	}

	if res := d.Execute("set server web/web1 weight 50%"); res.ExitCode != 0 {
		t.Fatalf("weight 50%%: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if got := srv.Snapshot().UWeight; got != 50 { // 50% of IWeight(100)
		t.Fatalf("UWeight = %d, want 50 (50%% of iweight 100)", got)
	}
}

func TestDispatcher_SetServerAddrWithPortRequiresDedicatedCheckPort(t *testing.T) {
	d, srv := newTestDispatcher()

	if res := d.Execute("set server web/web1 addr 10.0.0.5"); res.ExitCode != 0 {
		t.Fatalf("addr: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if got := srv.Snapshot().Addr; got != "10.0.0.5" {
		t.Fatalf("Addr = %q, want 10.0.0.5", got)
	}

	if res := d.Execute("set server web/web1 addr 10.0.0.6 port +10"); res.ExitCode == 0 {
		t.Fatal("expected MAPPORTS port delta to be rejected without a dedicated check-port")
	}

	d.Execute("set server web/web1 check-port 9000")
	if res := d.Execute("set server web/web1 addr 10.0.0.6 port +10"); res.ExitCode != 0 {
		t.Fatalf("addr+port after check-port: exit=%d response=%q", res.ExitCode, res.Response)
	}
}

func TestDispatcher_SetServerFQDNSetsHostnameMaint(t *testing.T) {
	d, srv := newTestDispatcher()

	if res := d.Execute("set server web/web1 fqdn web1.internal"); res.ExitCode != 0 {
		t.Fatalf("fqdn: exit=%d response=%q", res.ExitCode, res.Response)
	}
	snap := srv.Snapshot()
	if snap.FQDN != "web1.internal" {
		t.Fatalf("FQDN = %q, want web1.internal", snap.FQDN)
	}
	if !snap.Admin.Maint() {
		t.Fatal("expected HMAINT to be set pending resolution")
	}
}

func TestDispatcher_EnableDisableServerTogglesMaint(t *testing.T) {
	d, srv := newTestDispatcher()

	d.Execute("disable server web/web1")
	if !srv.Snapshot().Admin.Maint() {
		t.Fatal("expected 'disable server' to set MAINT")
	}
	d.Execute("enable server web/web1")
	if srv.Snapshot().Admin.Maint() {
		t.Fatal("expected 'enable server' to clear MAINT")
	}
}

func TestDispatcher_EnableDisableAgentAndHealth(t *testing.T) {
	d, srv := newTestDispatcher()

	d.Execute("disable agent web/web1")
	if srv.Snapshot().AgentCheckEnabled {
		t.Fatal("expected agent check disabled")
	}
	d.Execute("enable agent web/web1")
	if !srv.Snapshot().AgentCheckEnabled {
		t.Fatal("expected agent check re-enabled")
	}

	d.Execute("disable health web/web1")
	if srv.Snapshot().HealthCheckEnabled {
		t.Fatal("expected health check disabled")
	}
}

func TestDispatcher_GetWeightFormatsEffectiveAndInitial(t *testing.T) {
	d, srv := newTestDispatcher()
	srv.RecalcEWeight(srv.Snapshot().LastChange)

	res := d.Execute("get weight web/web1")
	if res.ExitCode != 0 {
		t.Fatalf("get weight: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if !strings.Contains(res.Response, "(initial 100)") {
		t.Fatalf("response = %q, want it to mention initial 100", res.Response)
	}
}

func TestDispatcher_UnknownServerIsExitCode1(t *testing.T) {
	d, _ := newTestDispatcher()
	res := d.Execute("get weight web/ghost")
	if res.ExitCode != 1 {
		t.Fatalf("exit = %d, want 1 for unknown server", res.ExitCode)
	}
}

func TestDispatcher_MalformedCommandIsExitCode1(t *testing.T) {
	d, _ := newTestDispatcher()
	res := d.Execute("bogus command here")
	if res.ExitCode != 1 {
		t.Fatalf("exit = %d, want 1 for unknown command", res.ExitCode)
	}
}

func TestDispatcher_SetSSLTLSKeyAndShowTLSKeys(t *testing.T) {
	d, _ := newTestDispatcher()

	res := d.Execute("set ssl tls-key bind1 aGVsbG8=")
	if res.ExitCode != 0 {
		t.Fatalf("set ssl tls-key: exit=%d response=%q", res.ExitCode, res.Response)
	}

	res = d.Execute("show tls-keys bind1")
	if res.ExitCode != 0 {
		t.Fatalf("show tls-keys: exit=%d response=%q", res.ExitCode, res.Response)
	}
	if !strings.Contains(res.Response, "aGVsbG8=") {
		t.Fatalf("response = %q, want it to contain the rotated key", res.Response)
	}
}

func TestDispatcher_SetSSLOCSPResponse(t *testing.T) {
	d, _ := newTestDispatcher()
	res := d.Execute("set ssl ocsp-response aGVsbG8=")
	if res.ExitCode != 0 {
		t.Fatalf("set ssl ocsp-response: exit=%d response=%q", res.ExitCode, res.Response)
	}
}
