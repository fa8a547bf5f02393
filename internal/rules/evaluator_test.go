// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rules

import (
	"testing"

	"github.com/corelb/corelb/internal/stream"
)

// fakeFetcher serves canned samples by fetch name, letting tests drive
// MayChange/Resolved directly instead of wiring a real fetch library.
type fakeFetcher struct {
	samples map[string]stream.Sample
}

func (f fakeFetcher) Fetch(_ *stream.Stream, _ stream.Direction, name string, _ []string) (stream.Sample, bool) {
	s, ok := f.samples[name]
	return s, ok
}

func newTestStream(samples map[string]stream.Sample) *stream.Stream {
	return stream.New(1, fakeFetcher{samples: samples})
}

func eq(name string, want string) Condition {
	return FetchCondition{
		FetchName: name,
		Compat:    EvalConnAccept | EvalSessAccept | EvalReqContent | EvalRespContent,
		Match:     func(s stream.Sample) bool { return s.Value == want },
	}
}

type fakeCollaborators struct {
	tracked  map[int]string
	captured map[int]string
	denied   int
	closed   int
}

func (f *fakeCollaborators) TrackSC(index int, key string) error {
	if f.tracked == nil {
		f.tracked = make(map[int]string)
	}
	f.tracked[index] = key
	return nil
}

func (f *fakeCollaborators) SetCapture(slot int, value string) {
	if f.captured == nil {
		f.captured = make(map[int]string)
	}
	f.captured[slot] = value
}

func (f *fakeCollaborators) IncrementDenied() { f.denied++ }

func (f *fakeCollaborators) CloseChannels(*stream.Stream) { f.closed++ }

func TestEvaluate_AcceptOnMatch(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"src": {Value: "10.0.0.1", Resolved: true}})
	list, err := NewList(EvalConnAccept, false, Rule{
		Cond:   eq("src", "10.0.0.1"),
		Action: Action{Verb: ActionAccept},
	})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := NewEvaluator()
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if err != nil || res != ResultAccept {
		t.Fatalf("Evaluate = (%v, %v), want (accept, nil)", res, err)
	}
}

func TestEvaluate_RejectIncrementsDeniedAndClosesChannels(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"src": {Value: "10.0.0.1", Resolved: true}})
	list, err := NewList(EvalConnAccept, false, Rule{
		Cond:   eq("src", "10.0.0.1"),
		Action: Action{Verb: ActionReject},
	})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	col := &fakeCollaborators{}
	e := &Evaluator{Denied: col, Closer: col, checkpoints: make(map[*stream.Stream]int)}
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if res != ResultReject || err != ErrRejected {
		t.Fatalf("Evaluate = (%v, %v), want (reject, ErrRejected)", res, err)
	}
	if col.denied != 1 || col.closed != 1 {
		t.Fatalf("denied=%d closed=%d, want 1 and 1", col.denied, col.closed)
	}
}

func TestEvaluate_FallsThroughToImplicitAccept(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"src": {Value: "10.0.0.2", Resolved: true}})
	list, err := NewList(EvalConnAccept, false, Rule{
		Cond:   eq("src", "10.0.0.1"), // won't match
		Action: Action{Verb: ActionReject},
	})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := NewEvaluator()
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if err != nil || res != ResultAccept {
		t.Fatalf("Evaluate = (%v, %v), want (accept, nil)", res, err)
	}
}

func TestEvaluate_IndeterminateNonFinalYields(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"path": {MayChange: true, Resolved: false}})
	list, err := NewList(EvalReqContent, true, Rule{
		Cond:   eq("path", "/admin"),
		Action: Action{Verb: ActionReject},
	})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := NewEvaluator()
	res, err := e.Evaluate(list, s, stream.DirRequest, false)
	if err != nil || res != ResultPending {
		t.Fatalf("Evaluate = (%v, %v), want (pending, nil)", res, err)
	}
}

func TestEvaluate_IndeterminateFinalIsTreatedAsNonMatch(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"path": {MayChange: true, Resolved: false}})
	list, err := NewList(EvalReqContent, true, Rule{
		Cond:   eq("path", "/admin"),
		Action: Action{Verb: ActionReject},
	})
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := NewEvaluator()
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if err != nil || res != ResultAccept {
		t.Fatalf("Evaluate = (%v, %v), want (accept, nil) once data is final", res, err)
	}
}

// countingCustom always yields exactly once, then accepts — exercising
// the checkpoint save/resume path across two Evaluate calls.
type countingCustom struct{ calls int }

func (c *countingCustom) Name() string { return "delay-accept" }

func (c *countingCustom) Execute(*stream.Stream, stream.Direction) (Outcome, error) {
	c.calls++
	if c.calls == 1 {
		return Yield, nil
	}
	return Stop, nil
}

func TestEvaluate_YieldSavesCheckpointAndResumesAtSameRule(t *testing.T) {
	s := newTestStream(nil)
	custom := &countingCustom{}
	list, err := NewList(EvalReqContent, true,
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionCustom, Custom: custom}},
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionReject}},
	)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	col := &fakeCollaborators{}
	e := &Evaluator{Denied: col, Closer: col, checkpoints: make(map[*stream.Stream]int)}

	res, err := e.Evaluate(list, s, stream.DirRequest, false)
	if err != nil || res != ResultPending {
		t.Fatalf("first Evaluate = (%v, %v), want (pending, nil)", res, err)
	}
	if custom.calls != 1 {
		t.Fatalf("custom.calls = %d after first pass, want 1", custom.calls)
	}

	res, err = e.Evaluate(list, s, stream.DirRequest, false)
	if err != nil || res != ResultAccept {
		t.Fatalf("resumed Evaluate = (%v, %v), want (accept, nil)", res, err)
	}
	if custom.calls != 2 {
		t.Fatalf("custom.calls = %d after resume, want 2 (rule 0 re-run, not rule 1)", custom.calls)
	}
	if col.denied != 0 {
		t.Fatal("rule 1 (reject) should never have run: accept came from the resumed custom action's Stop")
	}
}

// yieldingCustom always yields, used to prove L4/L5 lists log and
// continue instead of treating it as pending.
type yieldingCustom struct{ calls int }

func (y *yieldingCustom) Name() string { return "bad-yield" }

func (y *yieldingCustom) Execute(*stream.Stream, stream.Direction) (Outcome, error) {
	y.calls++
	return Yield, nil
}

func TestEvaluate_YieldForbiddenInL4L5ListsIsLoggedAndContinues(t *testing.T) {
	s := newTestStream(nil)
	bad := &yieldingCustom{}
	col := &fakeCollaborators{}
	list, err := NewList(EvalConnAccept, false,
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionCustom, Custom: bad}},
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionReject}},
	)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := &Evaluator{Denied: col, Closer: col, checkpoints: make(map[*stream.Stream]int)}
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if res != ResultReject || err != ErrRejected {
		t.Fatalf("Evaluate = (%v, %v), want (reject, ErrRejected): yield should be ignored, falling to rule 1", res, err)
	}
	if bad.calls != 1 {
		t.Fatalf("bad.calls = %d, want 1", bad.calls)
	}
}

func TestEvaluate_TrackSCAndCapture(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{
		"src":  {Value: "10.0.0.1", Resolved: true},
		"path": {Value: "/a/very/long/path/worth/truncating", Resolved: true},
	})
	col := &fakeCollaborators{}
	list, err := NewList(EvalReqContent, true,
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionTrackSC, TrackIndex: 0, TrackFetchName: "src"}},
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionCapture, CaptureSlot: 0, CaptureMaxLen: 8, CaptureFetchName: "path"}},
		Rule{Cond: AlwaysMatch{}, Action: Action{Verb: ActionAccept}},
	)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	e := &Evaluator{StickTables: col, Captures: col, checkpoints: make(map[*stream.Stream]int)}
	res, err := e.Evaluate(list, s, stream.DirRequest, true)
	if err != nil || res != ResultAccept {
		t.Fatalf("Evaluate = (%v, %v), want (accept, nil)", res, err)
	}
	if col.tracked[0] != "10.0.0.1" {
		t.Fatalf("tracked[0] = %q, want 10.0.0.1", col.tracked[0])
	}
	if col.captured[0] != "/a/very/" {
		t.Fatalf("captured[0] = %q, want truncated to 8 bytes", col.captured[0])
	}
}

func TestNewList_RejectsIncompatibleCondition(t *testing.T) {
	onlyL6 := FetchCondition{FetchName: "path", Compat: EvalReqContent, Match: func(stream.Sample) bool { return true }}
	_, err := NewList(EvalConnAccept, false, Rule{Cond: onlyL6, Action: Action{Verb: ActionAccept}})
	if err == nil {
		t.Fatal("expected NewList to reject a path-fetch condition in an L4 (connection-accept) list")
	}
}

func TestConditions_AndShortCircuitsOnFirstMiss(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"src": {Value: "10.0.0.1", Resolved: true}})
	cond := And{eq("src", "10.0.0.1"), eq("src", "10.0.0.2")}
	r := cond.Evaluate(s, stream.DirRequest, true)
	if r.Match {
		t.Fatal("And of a match and a non-match should not match")
	}
}

func TestConditions_NotPropagatesIndeterminate(t *testing.T) {
	s := newTestStream(map[string]stream.Sample{"path": {MayChange: true, Resolved: false}})
	cond := Not{Cond: eq("path", "/admin")}
	r := cond.Evaluate(s, stream.DirRequest, false)
	if !r.Indeterminate {
		t.Fatal("Not of an indeterminate condition should stay indeterminate")
	}
}
