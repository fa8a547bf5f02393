// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package spoectx

import (
	"testing"

	"github.com/corelb/corelb/internal/spoe/buffer"
	"github.com/corelb/corelb/internal/spoe/frame"
	"github.com/corelb/corelb/internal/stream"
)

type fakeAdmitter struct{ admitted []*Context }

func (a *fakeAdmitter) AdmitContext(c *Context) error {
	a.admitted = append(a.admitted, c)
	return nil
}

type fakeVars struct {
	set   map[string]frame.Value
	unset []string
}

func (v *fakeVars) SetVar(scope frame.Scope, name string, val frame.Value) {
	if v.set == nil {
		v.set = map[string]frame.Value{}
	}
	v.set[name] = val
}
func (v *fakeVars) UnsetVar(scope frame.Scope, name string) {
	v.unset = append(v.unset, name)
}

type fakeRateCounter struct {
	errors   int
	exceeded bool
}

func (r *fakeRateCounter) IncrementErrors() { r.errors++ }
func (r *fakeRateCounter) Exceeded() bool   { return r.exceeded }

func TestContext_SyncCycle(t *testing.T) {
	s := stream.New(42, nil)
	admitter := &fakeAdmitter{}
	vars := &fakeVars{}
	pool := buffer.New(2, 4096, nil)

	c := New(s, Config{
		BufferPool:   pool,
		Admitter:     admitter,
		Vars:         vars,
		MaxFrameSize: 4096,
	})

	msgs := []frame.Message{{ID: "req", Args: []frame.Item{{Key: "path", Value: frame.Str("/a")}}}}
	res, err := c.ProcessEvent(stream.DirRequest, msgs)
	if err != nil || res != Pending {
		t.Fatalf("ProcessEvent: res=%v err=%v", res, err)
	}
	if len(admitter.admitted) != 1 {
		t.Fatalf("expected context admitted to queue, got %d", len(admitter.admitted))
	}
	if c.State() != StateEncodingMsgs {
		t.Fatalf("state = %s, want ENCODING_MSGS", c.State())
	}

	frames, err := c.EncodeNotify()
	if err != nil {
		t.Fatalf("EncodeNotify: %v", err)
	}
	if len(frames) != 1 || !frames[0].IsFin() {
		t.Fatalf("expected single FIN frame, got %d frames", len(frames))
	}
	if c.State() != StateSendingMsgs {
		t.Fatalf("state = %s, want SENDING_MSGS", c.State())
	}

	c.MarkSent(1)
	if c.State() != StateWaitingAck {
		t.Fatalf("state = %s, want WAITING_ACK", c.State())
	}

	res, err = c.HandleAck([]frame.Action{
		{Type: frame.ActionSetVar, Scope: frame.ScopeTxn, Name: "blocked", Value: frame.Bool(true)},
	})
	if err != nil || res != Done {
		t.Fatalf("HandleAck: res=%v err=%v", res, err)
	}
	if c.State() != StateReady {
		t.Fatalf("state after ack = %s, want READY", c.State())
	}
	if c.FrameID() != 2 {
		t.Fatalf("frame_id = %d, want 2", c.FrameID())
	}
	if v, ok := vars.set["blocked"]; !ok || !v.Bool {
		t.Fatalf("expected blocked=true applied, got %+v", vars.set)
	}

	st := pool.Stats()
	if st.InUse != 0 {
		t.Fatalf("expected buffer released after ack, in_use=%d", st.InUse)
	}
}

func TestContext_FragmentationRequiresCapability(t *testing.T) {
	s := stream.New(1, nil)
	c := New(s, Config{
		BufferPool:      buffer.New(1, 8192, nil),
		MaxFrameSize:    256,
		FragmentationOK: false,
	})
	big := make([]byte, 4096)
	msgs := []frame.Message{{ID: "m", Args: []frame.Item{{Key: "body", Value: frame.Bin(big)}}}}
	if _, err := c.ProcessEvent(stream.DirRequest, msgs); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if _, err := c.EncodeNotify(); err != ErrFragmentationUnavailable {
		t.Fatalf("expected ErrFragmentationUnavailable, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %s, want ERROR", c.State())
	}
	if c.Status() != frame.StatusFragNotSupported {
		t.Fatalf("status = %v, want FRAG_NOT_SUPPORTED", c.Status())
	}
}

func TestContext_BufferUnavailableYields(t *testing.T) {
	s := stream.New(1, nil)
	pool := buffer.New(1, 64, nil)
	pool.TryAcquire() // exhaust the only buffer

	c := New(s, Config{BufferPool: pool, MaxFrameSize: 4096})
	msgs := []frame.Message{{ID: "m"}}
	c.ProcessEvent(stream.DirRequest, msgs)
	if _, err := c.EncodeNotify(); err != ErrBufferUnavailable {
		t.Fatalf("expected ErrBufferUnavailable, got %v", err)
	}
	if c.State() != StateEncodingMsgs {
		t.Fatalf("state should remain ENCODING_MSGS on yield, got %s", c.State())
	}
}

func TestContext_ErrorRateExceededSkipsCycle(t *testing.T) {
	s := stream.New(1, nil)
	admitter := &fakeAdmitter{}
	rateCounter := &fakeRateCounter{exceeded: true}

	c := New(s, Config{
		BufferPool:   buffer.New(1, 4096, nil),
		Admitter:     admitter,
		Errors:       rateCounter,
		MaxFrameSize: 4096,
	})

	res, err := c.ProcessEvent(stream.DirRequest, []frame.Message{{ID: "m"}})
	if err != nil || res != Done {
		t.Fatalf("ProcessEvent: res=%v err=%v, want Done/nil", res, err)
	}
	if len(admitter.admitted) != 0 {
		t.Fatalf("expected no admission while the error rate budget is spent, got %d", len(admitter.admitted))
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want READY (context stays eligible to retry next event)", c.State())
	}
}

func TestContext_IOErrorAppliesTransportOffset(t *testing.T) {
	s := stream.New(1, nil)
	c := New(s, Config{ContinueOnError: true})
	res, err := c.HandleIOError(frame.StatusIO)
	if res != Err || err == nil {
		t.Fatalf("HandleIOError: res=%v err=%v", res, err)
	}
	if c.Status() != frame.Status(frame.StatusIO.AsApplied()) {
		t.Fatalf("status = %v, want IO+0x100", c.Status())
	}
	if c.State() != StateReady {
		t.Fatalf("continue-on-error should return to READY, got %s", c.State())
	}
}
