// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rules

import "github.com/corelb/corelb/internal/stream"

// FetchCondition is the common-case Condition: fetch a named sample and
// compare it with match against the direction(s) compat allows. Most ACL
// expressions in a real rule list reduce to exactly this shape.
type FetchCondition struct {
	FetchName string
	FetchArgs []string
	Compat    EvalPoint
	Match     func(stream.Sample) bool
}

func (c FetchCondition) Evaluate(s *stream.Stream, dir stream.Direction, final bool) ConditionResult {
	sample, ok := s.Fetch(dir, c.FetchName, c.FetchArgs)
	if !ok {
		// No sample available at all (fetch not wired up, or not
		// applicable to dir): never matches, and never indeterminate —
		// there is nothing pending to wait for.
		return ConditionResult{}
	}
	if sample.MayChange && !sample.Resolved {
		return ConditionResult{Indeterminate: true}
	}
	return ConditionResult{Match: c.Match(sample)}
}

func (c FetchCondition) CompatMask() EvalPoint { return c.Compat }

// AlwaysMatch is a Condition with no fetch dependency, usable at any
// evaluation point — the ACL-less "if true"/bare action case.
type AlwaysMatch struct{ Compat EvalPoint }

func (a AlwaysMatch) Evaluate(*stream.Stream, stream.Direction, bool) ConditionResult {
	return ConditionResult{Match: true}
}

func (a AlwaysMatch) CompatMask() EvalPoint {
	if a.Compat == 0 {
		return EvalConnAccept | EvalSessAccept | EvalReqContent | EvalRespContent
	}
	return a.Compat
}

// And is the conjunction of several conditions (an ACL's implicit AND
// across its comma-separated matches). It evaluates left to right,
// short-circuiting on the first non-match or indeterminate result.
type And []Condition

func (a And) Evaluate(s *stream.Stream, dir stream.Direction, final bool) ConditionResult {
	for _, c := range a {
		r := c.Evaluate(s, dir, final)
		if r.Indeterminate {
			return r
		}
		if !r.Match {
			return ConditionResult{}
		}
	}
	return ConditionResult{Match: true}
}

func (a And) CompatMask() EvalPoint {
	mask := EvalConnAccept | EvalSessAccept | EvalReqContent | EvalRespContent
	for _, c := range a {
		mask &= c.CompatMask()
	}
	return mask
}

// Not negates a condition. An indeterminate inner result stays
// indeterminate: negating "don't know yet" is still "don't know yet".
type Not struct{ Cond Condition }

func (n Not) Evaluate(s *stream.Stream, dir stream.Direction, final bool) ConditionResult {
	r := n.Cond.Evaluate(s, dir, final)
	if r.Indeterminate {
		return r
	}
	return ConditionResult{Match: !r.Match}
}

func (n Not) CompatMask() EvalPoint { return n.Cond.CompatMask() }
