// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rules implements the Rule Evaluator (§4.6): layered tcp-rule
// lists (L4 connection-accept, L5 session-accept, L6 content-inspect),
// their fetch-compatibility gating, and the yield/resume evaluation
// algorithm content-inspect rules support but connection/session rules
// don't.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corelb/corelb/internal/stream"
)

// EvalPoint is a bit identifying where in the connection lifecycle a rule
// list executes, and what a Condition's fetches must be compatible with
// to be used in that list (§4.6 fetch compatibility).
type EvalPoint int

const (
	EvalConnAccept EvalPoint = 1 << iota // FE_CON_ACC — tcp_req.l4_rules
	EvalSessAccept                       // FE_SES_ACC — tcp_req.l5_rules
	EvalReqContent                       // L6 request channel inspect
	EvalRespContent                      // L6 response channel inspect
)

// ConditionResult is what a Condition reports for one evaluation attempt.
// Indeterminate means some fetch it depends on hasn't resolved yet (the
// stream.Sample it read back had MayChange set and Resolved false).
type ConditionResult struct {
	Match         bool
	Indeterminate bool
}

// Condition is one rule's ACL expression.
type Condition interface {
	Evaluate(s *stream.Stream, dir stream.Direction, final bool) ConditionResult
	// CompatMask reports which EvalPoints this condition's fetches may
	// run at; a List rejects any rule whose condition has no bit in
	// common with the list's own EvalPoint.
	CompatMask() EvalPoint
}

// ActionVerb is a rule's built-in action kind (§4.6).
type ActionVerb int

const (
	ActionAccept ActionVerb = iota
	ActionReject
	ActionTrackSC
	ActionCapture
	ActionClose
	ActionCustom
)

// Outcome is what executing an action reports back to the evaluation
// loop — the CONT/STOP/YIELD/ERR vocabulary custom keywords use (§4.6).
type Outcome int

const (
	Cont Outcome = iota
	Stop
	Yield
	ActionErr
)

// CustomAction is an evaluator-defined action keyword (beyond the five
// built-ins) that may yield, mirroring a real custom tcp-rule action.
type CustomAction interface {
	Name() string
	Execute(s *stream.Stream, dir stream.Direction) (Outcome, error)
}

// Action is one rule's action clause.
type Action struct {
	Verb ActionVerb

	// ActionTrackSC
	TrackIndex     int
	TrackFetchName string
	TrackFetchArgs []string

	// ActionCapture
	CaptureSlot      int
	CaptureMaxLen    int
	CaptureFetchName string
	CaptureFetchArgs []string

	// ActionCustom
	Custom CustomAction
}

// Rule pairs one condition with one action, in a List's declaration
// order.
type Rule struct {
	Cond   Condition
	Action Action
}

// List is one proxy's rule list for a single EvalPoint. AllowYield is
// false for L4/L5 lists: a custom action returning Yield there is a bug,
// not a legitimate pending state (§4.6: "any action returning YIELD is a
// bug (logged)").
type List struct {
	Point      EvalPoint
	AllowYield bool
	Rules      []Rule
}

// NewList validates every rule's condition against point's compatibility
// bit before building the list (§4.6: "parser rejects an ACL whose
// fetches have no bit in common with the rule's evaluation point").
func NewList(point EvalPoint, allowYield bool, rules ...Rule) (*List, error) {
	for i, r := range rules {
		if r.Cond.CompatMask()&point == 0 {
			return nil, fmt.Errorf("rules: rule %d's condition is not usable at this evaluation point", i)
		}
	}
	return &List{Point: point, AllowYield: allowYield, Rules: rules}, nil
}

// Result is what evaluating a List against one stream produces.
type Result int

const (
	ResultAccept Result = iota
	ResultReject
	ResultPending
)

func (r Result) String() string {
	switch r {
	case ResultAccept:
		return "accept"
	case ResultReject:
		return "reject"
	case ResultPending:
		return "pending"
	default:
		return "unknown"
	}
}

// ErrRejected is returned by Evaluate alongside ResultReject.
var ErrRejected = errors.New("rules: stream rejected by tcp rule")

// StickTables is the external collaborator TRACK-SC actions allocate a
// stick-counter through. Concrete stick-table storage is out of scope.
type StickTables interface {
	TrackSC(index int, key string) error
}

// Captures receives CAPTURE action values, truncated to the configured
// length, in an indexed slot.
type Captures interface {
	SetCapture(slot int, value string)
}

// DeniedCounter is incremented once per REJECT.
type DeniedCounter interface {
	IncrementDenied()
}

// ChannelCloser terminates a stream's channels, driven by REJECT and the
// response-only CLOSE action.
type ChannelCloser interface {
	CloseChannels(s *stream.Stream)
}

// Evaluator runs Lists against streams, tracking each stream's
// current_rule checkpoint across PENDING/resume cycles (§4.6 step 2).
// The checkpoint lives here rather than on stream.Stream itself, keeping
// the shared stream model free of rule-evaluator-specific state.
type Evaluator struct {
	StickTables StickTables
	Captures    Captures
	Denied      DeniedCounter
	Closer      ChannelCloser
	Logger      *slog.Logger

	mu          sync.Mutex
	checkpoints map[*stream.Stream]int
}

// NewEvaluator constructs an Evaluator; every collaborator field may be
// left nil for tests that only exercise condition/yield semantics.
func NewEvaluator() *Evaluator {
	return &Evaluator{checkpoints: make(map[*stream.Stream]int)}
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Evaluate runs list against s in direction dir, resuming at a saved
// current_rule checkpoint if one exists (§4.6 algorithm). final reports
// whether the channel's data is FINAL (shut, full, or the inspect delay
// expired) — non-FINAL MISSes on an indeterminate condition yield rather
// than being treated as a non-match.
func (e *Evaluator) Evaluate(list *List, s *stream.Stream, dir stream.Direction, final bool) (Result, error) {
	start := e.takeCheckpoint(s)

	for i := start; i < len(list.Rules); i++ {
		rule := list.Rules[i]
		cr := rule.Cond.Evaluate(s, dir, final)

		if cr.Indeterminate {
			if final {
				continue // MISS with FINAL: treat as non-match
			}
			return ResultPending, nil // MISS with non-FINAL: yield
		}
		if !cr.Match {
			continue
		}

		outcome, err := e.execute(rule.Action, s, dir)
		switch outcome {
		case Cont:
			continue
		case Stop:
			return ResultAccept, nil
		case Yield:
			if !list.AllowYield {
				e.logger().Warn("tcp rule action yielded in a list that forbids yield", "point", list.Point)
				continue
			}
			e.setCheckpoint(s, i)
			return ResultPending, nil
		case ActionErr:
			return ResultReject, err
		}
	}
	return ResultAccept, nil // fall-through = implicit accept
}

func (e *Evaluator) takeCheckpoint(s *stream.Stream) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.checkpoints[s]
	if !ok {
		return 0
	}
	delete(e.checkpoints, s)
	return idx
}

func (e *Evaluator) setCheckpoint(s *stream.Stream, idx int) {
	e.mu.Lock()
	e.checkpoints[s] = idx
	e.mu.Unlock()
}

func (e *Evaluator) execute(a Action, s *stream.Stream, dir stream.Direction) (Outcome, error) {
	switch a.Verb {
	case ActionAccept:
		return Stop, nil

	case ActionReject:
		if e.Closer != nil {
			e.Closer.CloseChannels(s)
		}
		if e.Denied != nil {
			e.Denied.IncrementDenied()
		}
		return ActionErr, ErrRejected

	case ActionTrackSC:
		if e.StickTables != nil {
			if sample, ok := s.Fetch(dir, a.TrackFetchName, a.TrackFetchArgs); ok {
				key := fmt.Sprintf("%v", sample.Value)
				if err := e.StickTables.TrackSC(a.TrackIndex, key); err != nil {
					e.logger().Warn("tcp rule: track-sc failed", "error", err)
				}
			}
		}
		return Cont, nil

	case ActionCapture:
		if e.Captures != nil {
			if sample, ok := s.Fetch(dir, a.CaptureFetchName, a.CaptureFetchArgs); ok {
				val := fmt.Sprintf("%v", sample.Value)
				if a.CaptureMaxLen > 0 && len(val) > a.CaptureMaxLen {
					val = val[:a.CaptureMaxLen]
				}
				e.Captures.SetCapture(a.CaptureSlot, val)
			}
		}
		return Cont, nil

	case ActionClose:
		if dir == stream.DirResponse && e.Closer != nil {
			e.Closer.CloseChannels(s)
		}
		return Stop, nil

	case ActionCustom:
		if a.Custom == nil {
			return Cont, nil
		}
		return a.Custom.Execute(s, dir)

	default:
		return Cont, nil
	}
}
