// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spoeagent implements the SPOE Agent Runtime: the per-thread pool
// of applets fronting one configured SPOE agent, the shared sending_queue
// contexts are admitted into, and the agent-wide ASYNC waiting_queue that
// the async applets in the pool share.
package spoeagent

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corelb/corelb/internal/spoe/applet"
	spoectx "github.com/corelb/corelb/internal/spoe/context"
	"github.com/corelb/corelb/internal/spoe/frame"
)

// ErrNoApplet is returned by AdmitContext when the pool has no applet able
// to take the context and none could be created (agent fully down).
var ErrNoApplet = errors.New("spoeagent: no applet available to admit context")

// ErrNoBackendUp mirrors the "refuse to grow the pool while the backend
// this agent fronts has zero UP servers" rule (§4.4 supplemented note).
var ErrNoBackendUp = errors.New("spoeagent: backend has no UP servers")

// BackendStatus is the external collaborator the runtime consults when
// deciding min_applets and whether it may create new applets at all.
// Concrete backend/server bookkeeping lives in the server-lifecycle
// subsystem; this is the narrow slice the agent runtime needs from it.
type BackendStatus interface {
	ActiveServers() int
}

// Config configures one per-thread Agent Runtime.
type Config struct {
	// MinApplets is the operator-configured floor. Zero means "derive
	// from the backend": min_applets_act() = 2 * backend.ActiveServers()
	// only applies when this is zero; an explicit non-zero value always
	// wins outright, even if smaller than 2*active_servers.
	MinApplets int
	MaxApplets int // 0 = unbounded

	MaxFPA       int
	WantCaps     frame.Capabilities
	MaxFrameSize uint32
	HelloTimeout time.Duration
	IdleTimeout  time.Duration

	EngineID string
	Dialer   applet.Dialer
	Backend  BackendStatus

	// ConnectRateLimit caps new-applet creation once active >= min_applets
	// (CPS, maxconnrate-equivalent). A dying applet is always replaced up
	// to min_applets regardless of this limiter (§5 decision).
	ConnectRateLimit *rate.Limiter

	// ErrorRateLimit caps processing-error frequency (EPS,
	// max_error_rate-equivalent). Consulted from spoectx.Context.ProcessEvent
	// via Exceeded(): once the budget is spent, a context in READY skips
	// this processing cycle instead of admitting to the sending queue
	// (§4.3 step 3). nil means unlimited.
	ErrorRateLimit *rate.Limiter

	Logger *slog.Logger
}

type asyncEntry struct {
	ctx   *spoectx.Context
	owner *ownerToken
}

// ownerToken identifies one applet's enqueued ASYNC-queue entries without
// requiring the applet to exist yet at Config-construction time (the
// applet's own Config must reference its AsyncQueue before applet.New
// returns the *applet.Applet it will eventually run as).
type ownerToken struct{}

type waitKey struct{ streamID, frameID uint64 }

// Runtime is one agent's per-thread applet pool: the sending_queue,
// waiting_queue (ASYNC mode) and applets list described in §3's Agent
// Runtime data model, plus the queue_context admission algorithm (§4.4).
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	applets      *list.List // of *applet.Applet; front = oldest, back = most recently woken
	sendingQueue *list.List // of *spoectx.Context
	sendingRate  int
	waiting      map[waitKey]asyncEntry

	errCount int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Runtime. Call Shutdown to tear down every applet it
// owns and release resources.
func New(cfg Config) *Runtime {
	if cfg.MaxFPA <= 0 {
		cfg.MaxFPA = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:          cfg,
		logger:       logger.With("component", "spoe_agent_runtime", "engine", cfg.EngineID),
		applets:      list.New(),
		sendingQueue: list.New(),
		waiting:      make(map[waitKey]asyncEntry),
		runCtx:       runCtx,
		runCancel:    cancel,
	}
}

// ActiveApplets returns the current pool size, for tests and monitoring.
func (r *Runtime) ActiveApplets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applets.Len()
}

// minAppletsActive implements min_applets_act(): an explicit non-zero
// config value always wins; only when it's zero do we derive a floor
// from the backend's active server count.
func (r *Runtime) minAppletsActive() int {
	if r.cfg.MinApplets != 0 {
		return r.cfg.MinApplets
	}
	if r.cfg.Backend == nil {
		return 0
	}
	return 2 * r.cfg.Backend.ActiveServers()
}

func (r *Runtime) idleCountLocked() int {
	idle := 0
	for e := r.applets.Front(); e != nil; e = e.Next() {
		if e.Value.(*applet.Applet).State() == applet.StateIdle {
			idle++
		}
	}
	return idle
}

// AdmitContext implements queue_context (§4.4): decide whether to grow the
// pool, append the context to sending_queue, and wake an idle applet.
func (r *Runtime) AdmitContext(c *spoectx.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	minApplets := r.minAppletsActive()
	active := r.applets.Len()
	idle := r.idleCountLocked()
	// sending_rate mirrors presently-known idle capacity; it floors at
	// zero at admission and is re-observed fresh on the next call, since
	// an applet's own state transitions (driven by its Run loop) are
	// what actually free capacity back up.
	r.sendingRate = idle

	if active < minApplets || idle == 0 || r.sendingRate == 0 {
		if err := r.growLocked(active, minApplets); err != nil && r.applets.Len() == 0 {
			return err
		}
	}

	if r.applets.Len() == 0 {
		return ErrNoApplet
	}

	r.sendingQueue.PushBack(c)
	if r.sendingRate > 0 {
		r.sendingRate--
	}
	r.wakeOneLocked()
	return nil
}

// growLocked creates one new applet if the pool has room to grow. Caller
// holds r.mu. Replacing a dead applet back up to min_applets is never
// CPS-gated; only growth beyond min_applets consumes the connect-rate
// limiter (§5 decision: "a dying applet may always be replaced").
func (r *Runtime) growLocked(active, minApplets int) error {
	if r.cfg.Backend != nil && r.cfg.Backend.ActiveServers() == 0 {
		return ErrNoBackendUp
	}
	if r.cfg.MaxApplets > 0 && active >= r.cfg.MaxApplets {
		return nil
	}
	growingBeyondMin := active >= minApplets
	if growingBeyondMin && r.cfg.ConnectRateLimit != nil && !r.cfg.ConnectRateLimit.Allow() {
		r.logger.Debug("applet growth deferred: connect rate exhausted", "active", active, "min_applets", minApplets)
		return nil
	}

	token := &ownerToken{}
	a := applet.New(applet.Config{
		Dialer:       r.cfg.Dialer,
		EngineID:     r.cfg.EngineID,
		MaxFrameSize: r.cfg.MaxFrameSize,
		WantCaps:     r.cfg.WantCaps,
		HelloTimeout: r.cfg.HelloTimeout,
		IdleTimeout:  r.cfg.IdleTimeout,
		MaxFPA:       r.cfg.MaxFPA,
		Persist:      active+1 <= minApplets,
		Queue:        r,
		AsyncQueue:   ownedAsyncQueue{rt: r, owner: token},
		Logger:       r.logger,
	})

	elem := r.applets.PushBack(a)
	r.wg.Add(1)
	go r.runApplet(a, elem, token)
	// Wakeup is buffered and coalescing: the signal set here is still
	// pending when Run's select loop starts, so a freshly created applet
	// checks the sending_queue as soon as it reaches IDLE instead of
	// waiting for some later, unrelated AdmitContext call to notice it.
	a.Wakeup()
	return nil
}

func (r *Runtime) runApplet(a *applet.Applet, elem *list.Element, token *ownerToken) {
	defer r.wg.Done()
	err := a.Run(r.runCtx)
	if err != nil {
		r.logger.Warn("applet exited", "error", err)
	}
	r.mu.Lock()
	r.applets.Remove(elem)
	r.mu.Unlock()
	r.failOwnerWaiting(token, a.LastStatus())
}

// wakeOneLocked wakes the first idle applet and moves it to the tail of
// the list, giving every other idle applet a turn before it's picked
// again (§4.4 step 5's round-robin fairness).
func (r *Runtime) wakeOneLocked() {
	for e := r.applets.Front(); e != nil; e = e.Next() {
		a := e.Value.(*applet.Applet)
		if a.State() == applet.StateIdle {
			a.Wakeup()
			r.applets.MoveToBack(e)
			return
		}
	}
	// No idle applet right now: every applet currently in flight will
	// drain the sending_queue itself on its own next wakeup/dispatch
	// pass, so the queued context is not stuck.
}

// Dequeue implements applet.SendingQueue: the pool-wide sending_queue is
// shared by every applet belonging to this runtime.
func (r *Runtime) Dequeue() (*spoectx.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sendingQueue.Front()
	if e == nil {
		return nil, false
	}
	r.sendingQueue.Remove(e)
	return e.Value.(*spoectx.Context), true
}

// ownedAsyncQueue adapts the pool-wide ASYNC waiting_queue to the
// per-applet applet.AsyncWaitingQueue interface, tagging each enqueued
// entry with the applet that sent its NOTIFY so a dead applet's orphaned
// entries can be found and failed on removal.
type ownedAsyncQueue struct {
	rt    *Runtime
	owner *ownerToken
}

func (q ownedAsyncQueue) Enqueue(streamID, frameID uint64, c *spoectx.Context) {
	q.rt.mu.Lock()
	defer q.rt.mu.Unlock()
	q.rt.waiting[waitKey{streamID, frameID}] = asyncEntry{ctx: c, owner: q.owner}
}

func (q ownedAsyncQueue) Dequeue(streamID, frameID uint64) (*spoectx.Context, bool) {
	q.rt.mu.Lock()
	defer q.rt.mu.Unlock()
	k := waitKey{streamID, frameID}
	e, ok := q.rt.waiting[k]
	if !ok {
		return nil, false
	}
	delete(q.rt.waiting, k)
	return e.ctx, true
}

// failOwnerWaiting fails every ASYNC-queue entry owned by a removed
// applet, per the applet destruction rule in §3 ("all contexts in its
// waiting_queue ... transition to ERROR").
func (r *Runtime) failOwnerWaiting(owner *ownerToken, status frame.Status) {
	r.mu.Lock()
	var orphaned []*spoectx.Context
	for k, e := range r.waiting {
		if e.owner == owner {
			orphaned = append(orphaned, e.ctx)
			delete(r.waiting, k)
		}
	}
	r.mu.Unlock()
	for _, c := range orphaned {
		c.HandleIOError(status)
	}
}

// IncrementErrors implements spoectx.RateCounter: each context-level
// processing error ticks the runtime's EPS counter and spends one token
// of the error-rate budget.
func (r *Runtime) IncrementErrors() {
	r.mu.Lock()
	r.errCount++
	r.mu.Unlock()
	if r.cfg.ErrorRateLimit != nil {
		r.cfg.ErrorRateLimit.Allow()
	}
}

// ErrorCount returns the number of processing errors observed so far.
func (r *Runtime) ErrorCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCount
}

// Exceeded implements spoectx.RateCounter: reports whether the
// configured max_error_rate budget is currently spent, mirroring
// freq_ctr_remain's "no budget left this second" check. Unlimited
// (ErrorRateLimit == nil) never reports exceeded.
func (r *Runtime) Exceeded() bool {
	if r.cfg.ErrorRateLimit == nil {
		return false
	}
	return r.cfg.ErrorRateLimit.Tokens() < 1
}

// Shutdown releases every applet in the pool and waits for their Run
// goroutines to return, implementing the "global shutdown signal"
// destruction trigger from §3.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var applets []*applet.Applet
	for e := r.applets.Front(); e != nil; e = e.Next() {
		applets = append(applets, e.Value.(*applet.Applet))
	}
	r.mu.Unlock()

	for _, a := range applets {
		a.Release()
	}
	r.runCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
