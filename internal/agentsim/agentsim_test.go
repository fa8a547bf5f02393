// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agentsim

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/corelb/corelb/internal/config"
	"github.com/corelb/corelb/internal/spoe/frame"
)

func testConfig(t *testing.T) *config.AgentSimConfig {
	t.Helper()
	return &config.AgentSimConfig{
		Listen: config.ListenInfo{Address: "127.0.0.1:0"},
		Engine: config.EngineInfo{ID: "test-agent"},
		Timeouts: config.SimTimeouts{
			Hello:      2 * time.Second,
			Idle:       2 * time.Second,
			Processing: time.Second,
		},
		Responses: []config.ResponseRule{
			{
				OnMessage: "check-client-ip",
				SetVars: []config.SetVarRule{
					{Scope: "txn", Name: "is_bad", Value: "false"},
				},
			},
		},
	}
}

// startTestServer binds the simulator on an ephemeral loopback port (so
// parallel test runs never collide) and returns the address it's
// actually listening on.
func startTestServer(t *testing.T, cfg *config.AgentSimConfig) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving test listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	cfg.Listen.Address = addr

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			if conn, err := net.DialTimeout("tcp", addr, 20*time.Millisecond); err == nil {
				conn.Close()
				close(ready)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(ready)
	}()
	go srv.Run(ctx)
	<-ready
	t.Cleanup(cancel)
	return addr
}

func TestServer_HelloHandshake(t *testing.T) {
	addr := startTestServer(t, testConfig(t))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := frame.Hello{
		SupportedVersions: []string{frame.SupportedVersion},
		MaxFrameSize:      16384,
		EngineID:          "haproxy-1",
	}
	helloFrame := frame.Frame{
		Type:     frame.TypeHaproxyHello,
		Flags:    frame.FlagFin,
		StreamID: 1,
		FrameID:  1,
		Payload:  frame.EncodeHello(hello),
	}
	if err := frame.WriteFrame(conn, helloFrame, 16384); err != nil {
		t.Fatalf("writing HELLO: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := frame.ReadFrame(conn, 16384)
	if err != nil {
		t.Fatalf("reading AGENT_HELLO: %v", err)
	}
	if reply.Type != frame.TypeAgentHello {
		t.Fatalf("expected AGENT_HELLO, got type %v", reply.Type)
	}
	agentHello, err := frame.DecodeAgentHello(reply.Payload)
	if err != nil {
		t.Fatalf("decoding AGENT_HELLO: %v", err)
	}
	if agentHello.Version != frame.SupportedVersion {
		t.Errorf("expected version %q, got %q", frame.SupportedVersion, agentHello.Version)
	}
}

func TestServer_NotifyAck(t *testing.T) {
	addr := startTestServer(t, testConfig(t))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := frame.Hello{SupportedVersions: []string{frame.SupportedVersion}, MaxFrameSize: 16384}
	helloFrame := frame.Frame{
		Type: frame.TypeHaproxyHello, Flags: frame.FlagFin, StreamID: 1, FrameID: 1,
		Payload: frame.EncodeHello(hello),
	}
	if err := frame.WriteFrame(conn, helloFrame, 16384); err != nil {
		t.Fatalf("writing HELLO: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := frame.ReadFrame(conn, 16384); err != nil {
		t.Fatalf("reading AGENT_HELLO: %v", err)
	}

	msg := frame.Message{ID: "check-client-ip"}
	payload, err := frame.EncodeNotifyPayload([]frame.Message{msg})
	if err != nil {
		t.Fatalf("encoding NOTIFY payload: %v", err)
	}
	notify := frame.Frame{
		Type: frame.TypeHaproxyNotify, Flags: frame.FlagFin, StreamID: 2, FrameID: 1,
		Payload: payload,
	}
	if err := frame.WriteFrame(conn, notify, 16384); err != nil {
		t.Fatalf("writing NOTIFY: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := frame.ReadFrame(conn, 16384)
	if err != nil {
		t.Fatalf("reading ACK: %v", err)
	}
	if ack.Type != frame.TypeAgentAck {
		t.Fatalf("expected AGENT_ACK, got type %v", ack.Type)
	}
	if ack.StreamID != notify.StreamID || ack.FrameID != notify.FrameID {
		t.Errorf("expected ACK to echo stream/frame id %d/%d, got %d/%d", notify.StreamID, notify.FrameID, ack.StreamID, ack.FrameID)
	}
	actions, err := frame.DecodeAckPayload(ack.Payload)
	if err != nil {
		t.Fatalf("decoding ACK payload: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Name != "is_bad" || actions[0].Scope != frame.ScopeTxn {
		t.Errorf("expected set-var is_bad in txn scope, got %+v", actions[0])
	}
}

func TestScopeFromString(t *testing.T) {
	cases := map[string]frame.Scope{
		"proc":  frame.ScopeProc,
		"sess":  frame.ScopeSess,
		"txn":   frame.ScopeTxn,
		"req":   frame.ScopeReq,
		"res":   frame.ScopeRes,
		"bogus": frame.ScopeSess,
	}
	for in, want := range cases {
		if got := scopeFromString(in); got != want {
			t.Errorf("scopeFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
