// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spoectx implements the per-stream SPOE processing state machine:
// one Context per filter-stream pair, cycling NONE → READY → ENCODING_MSGS
// → SENDING_MSGS → WAITING_ACK → DONE → READY, with ERROR as a terminal
// escape from any state.
package spoectx

import (
	"fmt"
	"sync"
	"time"

	"github.com/corelb/corelb/internal/spoe/buffer"
	"github.com/corelb/corelb/internal/spoe/frame"
	"github.com/corelb/corelb/internal/stream"
)

// State is one node of the context lifecycle.
type State int

const (
	StateNone State = iota
	StateReady
	StateEncodingMsgs
	StateSendingMsgs
	StateWaitingAck
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateReady:
		return "READY"
	case StateEncodingMsgs:
		return "ENCODING_MSGS"
	case StateSendingMsgs:
		return "SENDING_MSGS"
	case StateWaitingAck:
		return "WAITING_ACK"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Flags mirror the per-context bit set from the design doc.
type Flags uint16

const (
	FlagProcess Flags = 1 << iota
	FlagReqProcess
	FlagRspProcess
	FlagFragmented
	FlagCliConnected
	FlagSrvConnected
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Result is what a single ProcessEvent or HandleAck call reports back to its
// caller: stream processing continues (Pending), finished this cycle
// (Done), or failed outright (Error).
type Result int

const (
	Pending Result = iota
	Done
	Err
)

// QueueAdmitter is the agent-runtime side of queue_context (§4.4): admit a
// context to an Agent Runtime's sending_queue, provisioning an applet if
// needed. Defined here, not imported from the agent package, so spoectx
// never depends on the runtime that depends on it.
type QueueAdmitter interface {
	AdmitContext(c *Context) error
}

// VarApplier receives SET_VAR/UNSET_VAR actions decoded from an ACK.
// Concrete scope storage (proc/sess/txn/req/res vars) lives outside this
// package; a context just needs somewhere to deliver the decoded action.
type VarApplier interface {
	SetVar(scope frame.Scope, name string, v frame.Value)
	UnsetVar(scope frame.Scope, name string)
}

// RateCounter is incremented on processing errors to drive the EPS signal
// queue_context reads when deciding whether to grow the applet pool, and
// queried from READY to decide whether a new processing cycle may start
// at all (the agent's configured max_error_rate, §4.3 step 3).
type RateCounter interface {
	IncrementErrors()
	Exceeded() bool
}

// Config bundles interfaces and fixed fields a Context needs to execute
// its algorithm without importing the packages that supply them.
type Config struct {
	BufferPool        *buffer.Pool
	Admitter          QueueAdmitter
	Vars              VarApplier
	Errors            RateCounter
	MaxFrameSize      uint32
	FragmentationOK   bool // agent capability AND config allow SND_FRAGMENTATION
	ContinueOnError   bool
	VarOnErrorScope   frame.Scope
	VarOnErrorName    string // empty disables var-on-error
	ProcessingTimeout time.Duration
}

// fragCursor is the fragmentation checkpoint recorded while a NOTIFY is
// being split across frames: which frame of the already-built slice is
// next, so a yielded applet wakeup can resume without re-encoding.
type fragCursor struct {
	frames []frame.Frame
	next   int
}

// Context is one stream's SPOE processing state for one agent/filter pair.
type Context struct {
	mu sync.Mutex

	cfg    Config
	stream *stream.Stream

	streamID uint64
	frameID  uint64 // monotonic, starts at 1 (§3 invariant)

	flags  Flags
	state  State
	status frame.Status

	pendingMsgs []frame.Message
	buf         []byte
	frag        fragCursor

	processExp time.Time
}

// New creates a Context bound to s, ready to process events for it.
func New(s *stream.Stream, cfg Config) *Context {
	return &Context{
		cfg:      cfg,
		stream:   s,
		streamID: s.ID,
		frameID:  1,
		state:    StateNone,
	}
}

func (c *Context) State() State        { return c.stateLocked() }
func (c *Context) stateLocked() State  { c.mu.Lock(); defer c.mu.Unlock(); return c.state }
func (c *Context) FrameID() uint64     { c.mu.Lock(); defer c.mu.Unlock(); return c.frameID }
func (c *Context) StreamID() uint64    { return c.streamID }
func (c *Context) Status() frame.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ProcessEvent runs steps 1–3 of the algorithm for a new event firing:
// error/timeout short-circuit, then (from READY) admission to the sending
// queue. It does not block; once queue_context has admitted the context,
// further progress happens off the applet's dequeue via EncodeNotify and
// HandleAck, so this returns Pending to tell the stream to yield.
func (c *Context) ProcessEvent(dir stream.Direction, msgs []frame.Message) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateError {
		return c.handleErrorLocked()
	}
	if !c.processExp.IsZero() && time.Now().After(c.processExp) {
		c.status = frame.StatusTimeout
		c.state = StateError
		return c.handleErrorLocked()
	}

	if c.state == StateNone || c.state == StateDone {
		c.state = StateReady
	}
	if c.state != StateReady {
		// Already mid-cycle (e.g. a retried wakeup); nothing new to admit.
		return Pending, nil
	}

	if c.cfg.Errors != nil && c.cfg.Errors.Exceeded() {
		// max_error_rate reached: skip this cycle without admitting to
		// the agent, same as the original's "skip" path — the stream
		// proceeds without SPOE processing this pass, context stays READY.
		c.resetCycleLocked()
		return Done, nil
	}

	if dir == stream.DirRequest {
		c.flags |= FlagReqProcess
	} else {
		c.flags |= FlagRspProcess
	}
	c.flags |= FlagProcess

	if c.cfg.ProcessingTimeout > 0 {
		c.processExp = time.Now().Add(c.cfg.ProcessingTimeout)
	}
	c.pendingMsgs = msgs
	c.state = StateEncodingMsgs

	if c.cfg.Admitter != nil {
		if err := c.cfg.Admitter.AdmitContext(c); err != nil {
			c.status = frame.StatusResource
			c.state = StateError
			return c.handleErrorLocked()
		}
	}
	return Pending, nil
}

// EncodeNotify performs the ENCODING_MSGS → SENDING_MSGS transition: it is
// called by the applet that dequeued this context. It acquires a buffer
// (non-blocking; the caller must Subscribe and retry on failure, matching
// "yield if unavailable"), encodes the pending messages, and fragments the
// result if it overflows maxFrameSize and fragmentation is available.
func (c *Context) EncodeNotify() ([]frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEncodingMsgs {
		return nil, fmt.Errorf("spoectx: EncodeNotify called in state %s", c.state)
	}

	if c.cfg.BufferPool != nil && c.buf == nil {
		buf, ok := c.cfg.BufferPool.TryAcquire()
		if !ok {
			return nil, ErrBufferUnavailable
		}
		c.buf = buf
	}

	payload, err := frame.EncodeNotifyPayload(c.pendingMsgs)
	if err != nil {
		c.status = frame.StatusInvalid
		c.failFatalLocked()
		return nil, err
	}

	maxFrame := c.cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = uint32(frame.MinFrameSize)
	}
	frames := frame.Fragment(c.streamID, c.frameID, frame.TypeHaproxyNotify, payload, maxFrame)
	if len(frames) > 1 {
		if !c.cfg.FragmentationOK {
			c.status = frame.StatusFragNotSupported
			c.failFatalLocked()
			return nil, ErrFragmentationUnavailable
		}
		c.flags |= FlagFragmented
	}

	c.frag = fragCursor{frames: frames, next: 0}
	c.state = StateSendingMsgs
	return frames, nil
}

// MarkSent transitions SENDING_MSGS → WAITING_ACK once the applet has
// written every frame EncodeNotify returned (or, mid-fragmentation, simply
// records that the applet yielded between frames — state stays
// SENDING_MSGS until the final fragment is confirmed written).
func (c *Context) MarkSent(framesWritten int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frag.next += framesWritten
	if c.frag.next >= len(c.frag.frames) {
		c.flags &^= FlagFragmented
		c.frag = fragCursor{}
		c.state = StateWaitingAck
	}
}

// HandleAck implements step 7 (DONE): decode and apply actions, advance
// frame_id, return to READY, and release the stream waiting on this cycle.
func (c *Context) HandleAck(actions []frame.Action) (Result, error) {
	c.mu.Lock()
	if c.state != StateWaitingAck {
		c.mu.Unlock()
		return Pending, fmt.Errorf("spoectx: HandleAck called in state %s", c.state)
	}
	for _, a := range actions {
		if c.cfg.Vars == nil {
			continue
		}
		switch a.Type {
		case frame.ActionSetVar:
			c.cfg.Vars.SetVar(a.Scope, a.Name, a.Value)
		case frame.ActionUnsetVar:
			c.cfg.Vars.UnsetVar(a.Scope, a.Name)
		}
	}
	c.state = StateDone
	c.frameID++
	c.flags &^= (FlagProcess | FlagReqProcess | FlagRspProcess)
	c.processExp = time.Time{}
	c.releaseBufLocked()
	c.state = StateReady
	s := c.stream
	c.mu.Unlock()

	if s != nil {
		s.EndProcessing()
	}
	return Done, nil
}

// HandleIOError fails the context from a transport error on its applet,
// per §7: dependent contexts fail with (transport_code + 0x100).
func (c *Context) HandleIOError(transportStatus frame.Status) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = frame.Status(transportStatus.AsApplied())
	c.state = StateError
	return c.handleErrorLocked()
}

// handleErrorLocked implements handle_processing_error. Caller holds c.mu.
func (c *Context) handleErrorLocked() (Result, error) {
	if c.cfg.Errors != nil {
		c.cfg.Errors.IncrementErrors()
	}
	if c.cfg.Vars != nil && c.cfg.VarOnErrorName != "" {
		c.cfg.Vars.SetVar(c.cfg.VarOnErrorScope, c.cfg.VarOnErrorName, frame.Uint32(uint32(c.status)))
	}
	c.releaseBufLocked()
	if c.cfg.ContinueOnError {
		c.state = StateReady
	} else {
		c.state = StateNone
	}
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.EndProcessing()
	}
	c.mu.Lock()
	return Err, fmt.Errorf("spoectx: processing error status=%s", c.status.String())
}

// failFatalLocked handles a protocol-level encoding failure (§7 "Protocol
// errors ... fatal on the applet"): unlike handle_processing_error this
// never loops back to READY regardless of CONTINUE_ON_ERROR — the context
// is permanently ERROR and the stream is released to fail over. Caller
// holds c.mu and must already have set c.status.
func (c *Context) failFatalLocked() {
	c.state = StateError
	c.releaseBufLocked()
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.EndProcessing()
	}
	c.mu.Lock()
}

func (c *Context) releaseBufLocked() {
	if c.buf != nil && c.cfg.BufferPool != nil {
		c.cfg.BufferPool.Release(c.buf)
	}
	c.buf = nil
}

// Stop implements spoe_stop_processing: resets per-cycle state and
// releases the buffer, called at stream detach or explicit reset.
func (c *Context) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetCycleLocked()
	if c.state != StateError {
		c.state = StateNone
	}
}

// resetCycleLocked clears all per-cycle bookkeeping (pending messages,
// fragmentation cursor, PROCESS flags, processing deadline, held buffer)
// without touching c.state — callers decide where the context lands.
// Caller holds c.mu.
func (c *Context) resetCycleLocked() {
	c.releaseBufLocked()
	c.pendingMsgs = nil
	c.frag = fragCursor{}
	c.flags &^= (FlagProcess | FlagReqProcess | FlagRspProcess | FlagFragmented)
	c.processExp = time.Time{}
}

var (
	// ErrBufferUnavailable signals EncodeNotify should be retried once the
	// buffer pool offers a buffer (the context's caller Subscribes).
	ErrBufferUnavailable = fmt.Errorf("spoectx: no buffer available")
	// ErrFragmentationUnavailable signals a message overflowed the
	// negotiated frame size but the agent can't accept fragments.
	ErrFragmentationUnavailable = fmt.Errorf("spoectx: %w", errFragUnavail)
	errFragUnavail              = simpleErr("message too big and fragmentation unsupported")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
