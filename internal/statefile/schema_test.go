// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"bytes"
	"strings"
	"testing"
)

func sampleRecords() []Record {
	return []Record{
		{
			ProxyUUID: "uuid-1", ProxyName: "web", SrvID: 1, SrvName: "web1",
			SrvAddr: "10.0.0.1", SrvOperState: "RUNNING", SrvAdminState: "READY",
			SrvUWeight: 100, SrvIWeight: 100, LastChangeDelta: 42,
			CheckStatus: "L4OK", CheckResult: "OK", CheckHealth: "8/8", CheckState: "ENABLED",
			AgentState: "NONE", SrvPort: 8080,
		},
		{
			ProxyUUID: "uuid-1", ProxyName: "web", SrvID: 2, SrvName: "web2",
			SrvAddr: "10.0.0.2", SrvOperState: "STOPPED", SrvAdminState: "MAINT",
			SrvUWeight: 50, SrvIWeight: 100, LastChangeDelta: 7,
			CheckStatus: "L4CON", CheckResult: "FAIL", CheckHealth: "0/8", CheckState: "DISABLED",
			AgentState: "NONE", BkForcedID: "custom-bk", SrvForcedID: "custom-srv",
			SrvFQDN: "web2.internal", SrvPort: 8081, SrvRecord: "www.example.com.",
		},
	}
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	records := sampleRecords()
	var buf bytes.Buffer
	if err := Encode(&buf, records); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(buf.String(), header) {
		t.Fatalf("expected output to start with the version header, got %q", buf.String()[:len(header)+1])
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], records[i])
		}
	}
}

func TestDecode_RejectsWrongFieldCount(t *testing.T) {
	r := strings.NewReader(header + "\nuuid-1 web 1 web1 10.0.0.1\n")
	if _, err := Decode(r); err == nil {
		t.Fatal("expected an error decoding a line with too few fields")
	}
}

func TestDecode_SkipsBlankAndCommentLines(t *testing.T) {
	input := header + "\n\n# a comment\nuuid-1 web 1 web1 10.0.0.1 RUNNING READY 100 100 0 L4OK OK 8/8 ENABLED NONE - - - 8080 -\n"
	got, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].SrvName != "web1" {
		t.Fatalf("SrvName = %q, want web1", got[0].SrvName)
	}
}
