// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package applet implements the SPOE Applet: the per-agent-connection
// state machine that owns one TCP session to an external agent, encodes
// and sends NOTIFY frames on behalf of queued SPOE contexts, and routes
// ACKs back to them.
package applet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corelb/corelb/internal/spoe/frame"
	spoectx "github.com/corelb/corelb/internal/spoe/context"
)

// State is one node of the applet lifecycle (§4.2).
type State int32

const (
	StateConnect State = iota
	StateConnecting
	StateIdle
	StateProcessing
	StateSendingFragNotify
	StateWaitingSyncAck
	StateDisconnect
	StateDisconnecting
	StateExit
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateProcessing:
		return "PROCESSING"
	case StateSendingFragNotify:
		return "SENDING_FRAG_NOTIFY"
	case StateWaitingSyncAck:
		return "WAITING_SYNC_ACK"
	case StateDisconnect:
		return "DISCONNECT"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateExit:
		return "EXIT"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Mode is the dispatch strategy an applet negotiated with its agent,
// selected by capability intersection at HELLO completion (§9: "keep the
// three behaviors as distinct strategies").
type Mode int

const (
	ModeSync Mode = iota
	ModePipelined
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeAsync:
		return "async"
	case ModePipelined:
		return "pipelined"
	default:
		return "sync"
	}
}

// SendingQueue is the agent-runtime side an applet dequeues from. One
// applet only ever dequeues from the runtime it belongs to.
type SendingQueue interface {
	Dequeue() (*spoectx.Context, bool)
}

// AsyncWaitingQueue is the agent-thread-wide waiting queue used in ASYNC
// mode (§4.2 ACK routing): contexts parked here aren't tied to the applet
// that sent their NOTIFY, since any applet's reader may see the ACK.
type AsyncWaitingQueue interface {
	Enqueue(streamID, frameID uint64, c *spoectx.Context)
	Dequeue(streamID, frameID uint64) (*spoectx.Context, bool)
}

// Dialer opens the transport session to the agent. Concrete TLS/plain-TCP
// construction is an external collaborator (§1 out-of-scope: transport
// layer); Applet only needs something io.ReadWriteCloser-shaped back.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Config configures one Applet instance.
type Config struct {
	Dialer          Dialer
	EngineID        string
	MaxFrameSize    uint32 // agent's configured ceiling; negotiated size is min(this, agent reply)
	WantCaps        frame.Capabilities
	HelloTimeout    time.Duration
	IdleTimeout     time.Duration
	ProcessTimeout  time.Duration
	MaxFPA          int // frames processed per wakeup before yielding
	Persist         bool
	Queue           SendingQueue
	AsyncQueue      AsyncWaitingQueue // required when WantCaps has CapAsync
	Logger          *slog.Logger
}

// Applet owns one TCP session to an agent and drives it through the
// CONNECT…END lifecycle. Create it with New, then call Run in its own
// goroutine; Wakeup and Release are safe to call from any goroutine.
type Applet struct {
	cfg Config

	state   atomic.Int32
	mode    Mode
	negMax  uint32
	persist atomic.Bool

	conn   net.Conn
	connMu sync.Mutex
	wmu    sync.Mutex
	sendMu sync.Mutex // held by sendOne from first write until routing is done

	wakeupCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// localWaiting is the applet-local waiting_queue, keyed by frame_id,
	// used when PIPELINING is on but ASYNC is off (§3 invariant).
	mu           sync.Mutex
	localWaiting map[uint64]*spoectx.Context
	syncCtx      *spoectx.Context // the single in-flight context in sync mode
	fragStreamID uint64
	fragFrameID  uint64
	fragCtx      *spoectx.Context

	logger *slog.Logger

	lastStatus frame.Status
}

// New constructs an Applet. It does not connect; call Run to start it.
func New(cfg Config) *Applet {
	if cfg.MaxFPA <= 0 {
		cfg.MaxFPA = 100 // §4 supplemented default: max_fpa
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Applet{
		cfg:          cfg,
		wakeupCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		localWaiting: make(map[uint64]*spoectx.Context),
		logger:       logger.With("component", "spoe_applet", "engine", cfg.EngineID),
	}
	a.state.Store(int32(StateConnect))
	a.persist.Store(cfg.Persist)
	return a
}

// State returns the applet's current lifecycle state.
func (a *Applet) State() State { return State(a.state.Load()) }

// Mode returns the negotiated dispatch strategy; valid once IDLE.
func (a *Applet) Mode() Mode { return a.mode }

// Persist reports whether this applet was marked PERSIST at creation
// (kept alive even while idle, because active_applets ≤ min_applets).
func (a *Applet) Persist() bool { return a.persist.Load() }

// SetPersist updates the PERSIST flag, e.g. when the runtime's pool
// shrinks below min_applets and an existing applet must be retained.
func (a *Applet) SetPersist(p bool) { a.persist.Store(p) }

// LastStatus returns the most recent DISCONNECT/error status code seen.
func (a *Applet) LastStatus() frame.Status { return a.lastStatus }

// Wakeup schedules the applet for I/O progress: it will check its
// sending queue on its next loop iteration. Non-blocking; coalesces.
func (a *Applet) Wakeup() {
	select {
	case a.wakeupCh <- struct{}{}:
	default:
	}
}

// Release closes the connection, drains the applet's waiting_queue into
// ERROR, and stops the applet's goroutine. Safe to call multiple times.
func (a *Applet) Release() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
	a.wg.Wait()
	a.drainToError(a.lastStatus)
	a.state.Store(int32(StateEnd))
}

// drainToError fails every context left in any waiting_queue this applet
// owns, per the applet destruction rule. status is the raw transport
// status; HandleIOError applies the +0x100 orphan offset itself.
func (a *Applet) drainToError(status frame.Status) {
	a.mu.Lock()
	waiting := a.localWaiting
	a.localWaiting = make(map[uint64]*spoectx.Context)
	fragCtx := a.fragCtx
	a.fragCtx = nil
	syncCtx := a.syncCtx
	a.syncCtx = nil
	a.mu.Unlock()

	for _, c := range waiting {
		c.HandleIOError(status)
	}
	if fragCtx != nil {
		fragCtx.HandleIOError(status)
	}
	if syncCtx != nil {
		syncCtx.HandleIOError(status)
	}
}

// Run drives the applet through CONNECT → CONNECTING → IDLE and then the
// processing loop until the agent disconnects, an I/O error occurs, or
// Release is called. It returns once the applet reaches EXIT; Release
// moves it to END.
func (a *Applet) Run(ctx context.Context) error {
	a.wg.Add(1)
	defer a.wg.Done()

	if err := a.connectAndHello(ctx); err != nil {
		a.state.Store(int32(StateExit))
		a.lastStatus = statusFromErr(err)
		return err
	}

	a.state.Store(int32(StateIdle))
	a.logger.Info("applet connected", "mode", a.mode.String(), "max_frame_size", a.negMax)

	readErrCh := make(chan error, 1)
	go a.readLoop(readErrCh)

	idleTimeout := a.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-a.stopCh:
			a.disconnect(frame.StatusNone, "release")
			return nil

		case err := <-readErrCh:
			a.lastStatus = statusFromErr(err)
			a.state.Store(int32(StateDisconnect))
			a.logger.Warn("applet read loop ended", "error", err, "status", a.lastStatus)
			a.drainToError(a.lastStatus)
			a.closeConn()
			a.state.Store(int32(StateExit))
			return err

		case <-timer.C:
			// Watchdog: timeout.idle fires regardless of queue state and
			// forces DISCONNECT with status TIMEOUT (§5 cancellation
			// rule). A busy applet resets this timer on every wakeup, so
			// in practice it only fires while genuinely idle.
			if a.State() == StateIdle {
				a.disconnect(frame.StatusTimeout, "idle timeout")
				return nil
			}
			timer.Reset(idleTimeout)

		case <-a.wakeupCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
			if err := a.drainSendingQueue(); err != nil {
				a.lastStatus = statusFromErr(err)
				a.disconnect(a.lastStatus, err.Error())
				return err
			}
		}
	}
}

// connectAndHello implements the CONNECT → CONNECTING → IDLE transitions:
// dial the agent, send HAPROXY_HELLO, and negotiate version/frame-size/
// capabilities from its HELLO (or fail on DISCONNECT/timeout/bad version).
func (a *Applet) connectAndHello(ctx context.Context) error {
	a.state.Store(int32(StateConnect))

	helloTimeout := a.cfg.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	conn, err := a.cfg.Dialer.Dial(dialCtx)
	if err != nil {
		return fmt.Errorf("applet: dial: %w", err)
	}

	a.state.Store(int32(StateConnecting))
	conn.SetDeadline(time.Now().Add(helloTimeout))

	maxFrame := a.cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = uint32(frame.MinFrameSize)
	}
	hello := frame.Hello{
		SupportedVersions: []string{frame.SupportedVersion},
		MaxFrameSize:      maxFrame,
		Capabilities:      a.cfg.WantCaps,
		EngineID:          a.cfg.EngineID,
	}
	payload := frame.EncodeHello(hello)
	if err := frame.WriteFrame(conn, frame.Frame{Type: frame.TypeHaproxyHello, Flags: frame.FlagFin, Payload: payload}, maxFrame); err != nil {
		conn.Close()
		return fmt.Errorf("applet: writing HELLO: %w", err)
	}

	f, err := frame.ReadFrame(conn, maxFrame)
	if err != nil {
		conn.Close()
		return fmt.Errorf("applet: reading agent response: %w", err)
	}

	switch f.Type {
	case frame.TypeAgentDisconnect:
		info, _ := frame.DecodeDisconnect(f.Payload)
		conn.Close()
		return fmt.Errorf("applet: agent refused HELLO: status=%s message=%q", info.Status, info.Message)
	case frame.TypeAgentHello:
		agentHello, err := frame.DecodeAgentHello(f.Payload)
		if err != nil {
			conn.Close()
			return fmt.Errorf("applet: decoding AGENT_HELLO: %w", err)
		}
		if v, ok := frame.ParseNegotiatedVersion(agentHello.Version); !ok || v != 2000 {
			conn.Close()
			return fmt.Errorf("%w: agent proposed version %q", frame.ErrBadVersion, agentHello.Version)
		}
		a.negMax = agentHello.MaxFrameSize
		if a.negMax == 0 || a.negMax > maxFrame {
			a.negMax = maxFrame
		}
		a.mode = negotiateMode(a.cfg.WantCaps, agentHello.Capabilities)
		if a.mode == ModeAsync && a.cfg.AsyncQueue == nil {
			conn.Close()
			return fmt.Errorf("applet: negotiated async mode without an AsyncQueue configured")
		}
	default:
		conn.Close()
		return fmt.Errorf("%w: unexpected frame type %s in HELLO exchange", frame.ErrInvalid, f.Type.String())
	}

	conn.SetDeadline(time.Time{})
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	return nil
}

// negotiateMode picks the richest mode both sides support: ASYNC beats
// PIPELINING beats SYNC, matching real SPOE agents' own preference order.
func negotiateMode(want, got frame.Capabilities) Mode {
	both := want & got
	switch {
	case both.Has(frame.CapAsync):
		return ModeAsync
	case both.Has(frame.CapPipelining):
		return ModePipelined
	default:
		return ModeSync
	}
}

// drainSendingQueue processes up to MaxFPA contexts pulled from the
// sending queue: encode, send, and (sync mode) wait inline isn't done
// here — sync mode instead parks in WAITING_SYNC_ACK and the readLoop
// delivers the ACK asynchronously, same as pipelined/async.
func (a *Applet) drainSendingQueue() error {
	if a.cfg.Queue == nil {
		return nil
	}
	for i := 0; i < a.cfg.MaxFPA; i++ {
		if a.mode == ModeSync && a.hasSyncInFlight() {
			break
		}
		c, ok := a.cfg.Queue.Dequeue()
		if !ok {
			break
		}
		a.state.Store(int32(StateProcessing))
		if err := a.sendOne(c); err != nil {
			return err
		}
	}
	if a.State() == StateProcessing {
		a.state.Store(int32(StateIdle))
	}
	return nil
}

func (a *Applet) hasSyncInFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncCtx != nil
}

// sendOne drives one context from ENCODING_MSGS through SENDING_MSGS,
// routing the resulting context into the right waiting_queue for its
// applet's negotiated mode, and handling SENDING_FRAG_NOTIFY in between.
func (a *Applet) sendOne(c *spoectx.Context) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	frames, err := c.EncodeNotify()
	if errors.Is(err, spoectx.ErrBufferUnavailable) {
		// Yield: the runtime's buffer pool will re-offer to this
		// context's queue via Subscribe; nothing more to do here now.
		return nil
	}
	if err != nil {
		return nil // fatal to the context, not the applet
	}

	if len(frames) > 1 {
		a.state.Store(int32(StateSendingFragNotify))
		a.mu.Lock()
		a.fragStreamID, a.fragFrameID, a.fragCtx = c.StreamID(), c.FrameID(), c
		a.mu.Unlock()
	}

	for _, f := range frames {
		if err := a.writeFrame(f); err != nil {
			return err
		}
		c.MarkSent(1)
	}

	a.mu.Lock()
	a.fragCtx = nil
	a.mu.Unlock()
	a.state.Store(int32(StateProcessing))

	a.routeToWaitingQueue(c)
	return nil
}

// routeToWaitingQueue implements the PROCESSING → {PROCESSING,
// WAITING_SYNC_ACK} transition after a non-fragmented NOTIFY send.
func (a *Applet) routeToWaitingQueue(c *spoectx.Context) {
	switch a.mode {
	case ModeAsync:
		if a.cfg.AsyncQueue != nil {
			a.cfg.AsyncQueue.Enqueue(c.StreamID(), c.FrameID(), c)
		}
	case ModePipelined:
		a.mu.Lock()
		a.localWaiting[c.FrameID()] = c
		a.mu.Unlock()
	default:
		a.mu.Lock()
		a.syncCtx = c
		a.mu.Unlock()
		a.state.Store(int32(StateWaitingSyncAck))
	}
}

// writeFrame serializes f onto the connection under the write mutex.
func (a *Applet) writeFrame(f frame.Frame) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return frame.WriteFrame(conn, f, a.negMax)
}

// readLoop continuously reads frames from the agent and routes ACK/
// DISCONNECT frames to the right context, per the ACK routing rule in
// §4.2. It reports a terminal error (including a clean agent DISCONNECT)
// on errCh and returns.
func (a *Applet) readLoop(errCh chan<- error) {
	for {
		a.connMu.Lock()
		conn := a.conn
		a.connMu.Unlock()
		if conn == nil {
			errCh <- io.ErrClosedPipe
			return
		}

		if a.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(a.cfg.IdleTimeout))
		}
		f, err := frame.ReadFrame(conn, a.negMax)
		if err != nil {
			errCh <- err
			return
		}

		switch f.Type {
		case frame.TypeAgentAck:
			if err := a.handleAckFrame(f); err != nil {
				a.logger.Warn("applet: ack routing error", "error", err)
				if a.mode == ModeSync {
					errCh <- err
					return
				}
			}
		case frame.TypeUnset:
			if err := a.handleContinuationFrame(f); err != nil {
				a.logger.Warn("applet: fragmentation continuation error", "error", err)
				if a.mode == ModeSync {
					errCh <- err
					return
				}
			}
		case frame.TypeAgentDisconnect:
			info, _ := frame.DecodeDisconnect(f.Payload)
			errCh <- fmt.Errorf("agent disconnected: status=%s message=%q", info.Status, info.Message)
			return
		default:
			a.logger.Warn("applet: unexpected frame type from agent", "type", f.Type.String())
		}
	}
}

// handleAckFrame implements §4.2 ACK routing: look up (stream_id,
// frame_id) in the applicable waiting_queue, deliver, and remove.
func (a *Applet) handleAckFrame(f frame.Frame) error {
	actions, err := frame.DecodeAckPayload(f.Payload)
	if err != nil {
		return fmt.Errorf("decoding ACK payload: %w", err)
	}

	var c *spoectx.Context
	switch a.mode {
	case ModeAsync:
		if a.cfg.AsyncQueue != nil {
			c, _ = a.cfg.AsyncQueue.Dequeue(f.StreamID, f.FrameID)
		}
	case ModePipelined:
		a.mu.Lock()
		c = a.localWaiting[f.FrameID]
		delete(a.localWaiting, f.FrameID)
		a.mu.Unlock()
	default:
		// Wait for an in-progress sendOne to finish routing, so an ACK
		// that outruns it still finds syncCtx.
		a.sendMu.Lock()
		a.mu.Lock()
		if a.syncCtx != nil && a.syncCtx.StreamID() == f.StreamID && a.syncCtx.FrameID() == f.FrameID {
			c = a.syncCtx
			a.syncCtx = nil
		}
		a.mu.Unlock()
		a.sendMu.Unlock()
		a.state.Store(int32(StateProcessing))
		a.Wakeup() // Run drains the sending queue, then returns to IDLE
	}

	if c == nil {
		// Not found: fatal in sync mode, silently dropped otherwise (§4.2).
		if a.mode == ModeSync {
			return fmt.Errorf("%w: (stream=%d frame=%d)", ErrFrameIDNotFound, f.StreamID, f.FrameID)
		}
		return nil
	}
	_, err = c.HandleAck(actions)
	return err
}

// handleContinuationFrame handles an UNSET frame arriving while no
// fragmented NOTIFY send is outstanding — this only happens for an
// abort the agent itself cannot send (agents only ever send AGENT_ACK,
// AGENT_HELLO and AGENT_DISCONNECT), so any UNSET here is a protocol
// violation.
func (a *Applet) handleContinuationFrame(f frame.Frame) error {
	return fmt.Errorf("%w: unexpected UNSET frame from agent", frame.ErrInvalid)
}

func (a *Applet) disconnect(status frame.Status, reason string) {
	a.state.Store(int32(StateDisconnect))
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn != nil {
		payload := frame.EncodeDisconnect(status, reason)
		a.wmu.Lock()
		frame.WriteFrame(conn, frame.Frame{Type: frame.TypeHaproxyDisconnect, Flags: frame.FlagFin, Payload: payload}, a.negMax)
		a.wmu.Unlock()
	}
	a.state.Store(int32(StateDisconnecting))
	a.closeConn()
	a.state.Store(int32(StateExit))
}

func (a *Applet) closeConn() {
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connMu.Unlock()
}

// ErrFrameIDNotFound mirrors SPOE_FRM_ERR_FRAMEID_NOTFOUND in sync mode.
var ErrFrameIDNotFound = errors.New("applet: frame id not found in waiting queue")

func statusFromErr(err error) frame.Status {
	if err == nil {
		return frame.StatusNone
	}
	switch {
	case errors.Is(err, frame.ErrTooBig):
		return frame.StatusTooBig
	case errors.Is(err, frame.ErrBadVersion):
		return frame.StatusBadVersion
	case errors.Is(err, frame.ErrInvalid):
		return frame.StatusInvalid
	case errors.Is(err, frame.ErrTruncated), errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return frame.StatusIO
	default:
		return frame.StatusIO
	}
}
