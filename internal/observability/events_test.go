// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import "testing"

func TestEventRing_RecentReturnsOldestFirstUpToCapacity(t *testing.T) {
	r := NewEventRing(2)
	r.PushEvent("info", "server_transition", "web", "web1", "up")
	r.PushEvent("info", "server_transition", "web", "web2", "up")
	r.PushEvent("warn", "rule_rejected", "web", "web3", "denied")

	got := r.Recent(0)
	if len(got) != 2 {
		t.Fatalf("len(Recent(0)) = %d, want 2 (capped at ring size)", len(got))
	}
	if got[0].Server != "web2" || got[1].Server != "web3" {
		t.Fatalf("order = %+v, want [web2, web3]", got)
	}
}

func TestEventRing_RecentWithLimit(t *testing.T) {
	r := NewEventRing(10)
	for _, name := range []string{"a", "b", "c"} {
		r.PushEvent("info", "server_transition", "web", name, "up")
	}
	got := r.Recent(1)
	if len(got) != 1 || got[0].Server != "c" {
		t.Fatalf("Recent(1) = %+v, want the single most recent entry", got)
	}
}

func TestEventRing_LenTracksStoredCount(t *testing.T) {
	r := NewEventRing(5)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	r.PushEvent("info", "server_transition", "web", "web1", "up")
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
