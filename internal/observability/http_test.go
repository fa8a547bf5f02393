// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockStatsSource struct {
	backends []BackendStats
	agents   []AgentRuntimeStats
	denied   int64
}

func (m *mockStatsSource) BackendStats() []BackendStats           { return m.backends }
func (m *mockStatsSource) AgentRuntimeStats() []AgentRuntimeStats { return m.agents }
func (m *mockStatsSource) DeniedCount() int64                     { return m.denied }

func TestNewRouter_Healthz(t *testing.T) {
	router := NewRouter(&mockStatsSource{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status": "ok"`) {
		t.Errorf("expected status ok in body, got %s", rec.Body.String())
	}
}

func TestNewRouter_Metrics(t *testing.T) {
	source := &mockStatsSource{
		backends: []BackendStats{{Name: "web", Servers: 3, ActiveServers: 2}},
		agents:   []AgentRuntimeStats{{EngineID: "waf-1", ActiveApplets: 4, ErrorCount: 1}},
		denied:   7,
	}
	router := NewRouter(source)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`corelb_backend_servers_total{backend="web"} 3`,
		`corelb_backend_active_servers{backend="web"} 2`,
		`corelb_spoe_agent_active_applets{engine_id="waf-1"} 4`,
		`corelb_spoe_agent_errors_total{engine_id="waf-1"} 1`,
		`corelb_rule_denied_total 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics body to contain %q, got:\n%s", want, body)
		}
	}
}
