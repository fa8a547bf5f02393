// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/corelb/corelb/internal/spoe/buffer"
	spoectx "github.com/corelb/corelb/internal/spoe/context"
	"github.com/corelb/corelb/internal/spoe/frame"
	"github.com/corelb/corelb/internal/stream"
)

// pipeDialer hands out one end of a net.Pipe; the test owns the other end
// and plays the agent.
type pipeDialer struct{ conn net.Conn }

func (d pipeDialer) Dial(ctx context.Context) (net.Conn, error) { return d.conn, nil }

// fakeQueue serves a fixed slice of contexts, then reports empty.
type fakeQueue struct{ items []*spoectx.Context }

func (q *fakeQueue) Dequeue() (*spoectx.Context, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

// readAgentHello reads a HAPROXY_HELLO frame off conn and returns it decoded.
// It reports failures through the returned error rather than calling into
// *testing.T, since it always runs on a goroutine other than the test's own.
func readAgentHello(conn net.Conn) (frame.Hello, error) {
	f, err := frame.ReadFrame(conn, 16384)
	if err != nil {
		return frame.Hello{}, fmt.Errorf("reading HELLO: %w", err)
	}
	if f.Type != frame.TypeHaproxyHello {
		return frame.Hello{}, fmt.Errorf("expected HAPROXY_HELLO, got %s", f.Type)
	}
	h, err := frame.DecodeHello(f.Payload)
	if err != nil {
		return frame.Hello{}, fmt.Errorf("decoding HELLO: %w", err)
	}
	return h, nil
}

func writeAgentHello(conn net.Conn, maxFrameSize uint32, caps frame.Capabilities) error {
	payload := frame.EncodeAgentHello(frame.AgentHello{
		Version:      frame.SupportedVersion,
		MaxFrameSize: maxFrameSize,
		Capabilities: caps,
	})
	return frame.WriteFrame(conn, frame.Frame{Type: frame.TypeAgentHello, Flags: frame.FlagFin, Payload: payload}, maxFrameSize)
}

func newTestContext(t *testing.T, streamID uint64, msgs []frame.Message) *spoectx.Context {
	t.Helper()
	s := stream.New(streamID, nil)
	c := spoectx.New(s, spoectx.Config{
		BufferPool:   buffer.New(4, 4096, nil),
		MaxFrameSize: 4096,
	})
	if _, err := c.ProcessEvent(stream.DirRequest, msgs); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	return c
}

func TestApplet_HelloHandshakeSyncMode(t *testing.T) {
	client, agent := net.Pipe()
	defer agent.Close()

	agentDone := make(chan frame.Hello, 1)
	agentErr := make(chan error, 1)
	go func() {
		h, err := readAgentHello(agent)
		if err != nil {
			agentErr <- err
			return
		}
		if err := writeAgentHello(agent, 16384, 0); err != nil { // no capabilities: sync mode
			agentErr <- err
			return
		}
		agentDone <- h
	}()

	a := New(Config{
		Dialer:       pipeDialer{conn: client},
		EngineID:     "test-engine",
		MaxFrameSize: 16384,
		HelloTimeout: time.Second,
	})

	if err := a.connectAndHello(context.Background()); err != nil {
		t.Fatalf("connectAndHello: %v", err)
	}
	if a.Mode() != ModeSync {
		t.Fatalf("mode = %s, want sync", a.Mode())
	}

	select {
	case h := <-agentDone:
		if !h.HasSupportedVersion() {
			t.Fatalf("HELLO missing supported version: %+v", h)
		}
		if h.EngineID != "test-engine" {
			t.Fatalf("engine id = %q, want test-engine", h.EngineID)
		}
	case err := <-agentErr:
		t.Fatalf("mock agent: %v", err)
	case <-time.After(time.Second):
		t.Fatal("agent goroutine never observed HELLO")
	}
}

func TestApplet_HelloRejectsBadVersion(t *testing.T) {
	client, agent := net.Pipe()
	defer agent.Close()

	go func() {
		if _, err := readAgentHello(agent); err != nil {
			return
		}
		payload := frame.EncodeAgentHello(frame.AgentHello{Version: "9.9", MaxFrameSize: 16384})
		frame.WriteFrame(agent, frame.Frame{Type: frame.TypeAgentHello, Flags: frame.FlagFin, Payload: payload}, 16384)
	}()

	a := New(Config{Dialer: pipeDialer{conn: client}, MaxFrameSize: 16384, HelloTimeout: time.Second})
	err := a.connectAndHello(context.Background())
	if err == nil {
		t.Fatal("expected error for unsupported agent version")
	}
}

func TestApplet_HelloRejectsAgentDisconnect(t *testing.T) {
	client, agent := net.Pipe()
	defer agent.Close()

	go func() {
		if _, err := readAgentHello(agent); err != nil {
			return
		}
		payload := frame.EncodeDisconnect(frame.StatusInvalid, "no thanks")
		frame.WriteFrame(agent, frame.Frame{Type: frame.TypeAgentDisconnect, Flags: frame.FlagFin, Payload: payload}, 16384)
	}()

	a := New(Config{Dialer: pipeDialer{conn: client}, MaxFrameSize: 16384, HelloTimeout: time.Second})
	if err := a.connectAndHello(context.Background()); err == nil {
		t.Fatal("expected error when agent sends DISCONNECT during HELLO")
	}
}

// TestApplet_SyncNotifyAckCycle drives a full connect, NOTIFY send, ACK
// round-trip in sync mode, verifying the context reaches StateReady.
func TestApplet_SyncNotifyAckCycle(t *testing.T) {
	client, agent := net.Pipe()
	defer agent.Close()

	agentReady := make(chan struct{})
	go func() {
		if _, err := readAgentHello(agent); err != nil {
			t.Errorf("agent: HELLO: %v", err)
			return
		}
		if err := writeAgentHello(agent, 16384, 0); err != nil {
			t.Errorf("agent: AGENT_HELLO: %v", err)
			return
		}
		close(agentReady)

		f, err := frame.ReadFrame(agent, 16384)
		if err != nil {
			t.Errorf("agent: reading NOTIFY: %v", err)
			return
		}
		if f.Type != frame.TypeHaproxyNotify {
			t.Errorf("agent: expected NOTIFY, got %s", f.Type)
			return
		}
		ackPayload := frame.EncodeAckPayload([]frame.Action{
			{Type: frame.ActionSetVar, Scope: frame.ScopeTxn, Name: "result", Value: frame.Bool(true)},
		})
		ack := frame.Frame{Type: frame.TypeAgentAck, Flags: frame.FlagFin, StreamID: f.StreamID, FrameID: f.FrameID, Payload: ackPayload}
		if err := frame.WriteFrame(agent, ack, 16384); err != nil {
			t.Errorf("agent: writing ACK: %v", err)
		}
	}()

	c := newTestContext(t, 7, []frame.Message{{ID: "req"}})
	q := &fakeQueue{items: []*spoectx.Context{c}}

	a := New(Config{
		Dialer:       pipeDialer{conn: client},
		MaxFrameSize: 16384,
		HelloTimeout: time.Second,
		IdleTimeout:  time.Second,
		Queue:        q,
	})

	runErrCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runErrCh <- a.Run(ctx) }()

	select {
	case <-agentReady:
	case err := <-runErrCh:
		t.Fatalf("applet exited early: %v", err)
	case <-time.After(time.Second):
		t.Fatal("applet never completed HELLO")
	}

	a.Wakeup()

	deadline := time.After(2 * time.Second)
	for c.State() != spoectx.StateReady {
		select {
		case <-deadline:
			t.Fatalf("context never reached READY, state=%s", c.State())
		case err := <-runErrCh:
			t.Fatalf("applet exited: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	a.Release()
	select {
	case <-runErrCh:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Release")
	}
}

func TestApplet_NegotiateModePrefersAsyncThenPipeliningThenSync(t *testing.T) {
	all := frame.CapAsync | frame.CapPipelining
	if m := negotiateMode(all, all); m != ModeAsync {
		t.Fatalf("want async, got %s", m)
	}
	if m := negotiateMode(all, frame.CapPipelining); m != ModePipelined {
		t.Fatalf("want pipelined, got %s", m)
	}
	if m := negotiateMode(all, 0); m != ModeSync {
		t.Fatalf("want sync, got %s", m)
	}
}

func TestApplet_AckFrameIDNotFoundFatalOnlyInSyncMode(t *testing.T) {
	a := New(Config{MaxFrameSize: 16384})
	a.mode = ModeSync
	f := frame.Frame{Type: frame.TypeAgentAck, StreamID: 1, FrameID: 1, Payload: nil}
	if err := a.handleAckFrame(f); err == nil {
		t.Fatal("expected ErrFrameIDNotFound in sync mode")
	}

	a.mode = ModePipelined
	if err := a.handleAckFrame(f); err != nil {
		t.Fatalf("pipelined mode should drop unmatched ACK silently, got %v", err)
	}
}
