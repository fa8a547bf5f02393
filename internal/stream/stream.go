// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream models the minimal stream/session handle shared by the
// SPOE, rule-evaluation and server-lifecycle subsystems. The actual
// listener/acceptor, HTTP parser and TLS termination are external
// collaborators (see the transport contract in the project's interface
// docs); this package only carries the identity and direction bookkeeping
// those subsystems need to coordinate with each other.
package stream

import "sync"

// Direction distinguishes request- and response-side processing on a Stream.
type Direction uint8

const (
	DirRequest Direction = iota
	DirResponse
)

func (d Direction) String() string {
	if d == DirResponse {
		return "response"
	}
	return "request"
}

// Sample is the runtime result of a fetch expression (e.g. src, path):
// a typed value plus whether its source data may still change (the
// fetch ran against a partial, not-yet-final channel view).
type Sample struct {
	Value      any
	MayChange  bool
	Resolved   bool
}

// Fetcher resolves a named sample expression against a Stream's current
// channel data. Concrete fetchers (src, path, payload, …) live with the
// component that can evaluate them; Stream only exposes the lookup.
type Fetcher interface {
	Fetch(s *Stream, dir Direction, name string, args []string) (Sample, bool)
}

// Stream is one client connection's processing context as seen by the
// SPOE and rule-evaluation subsystems. ID is stable for the stream's
// lifetime and is what SPOE contexts use as their wire stream_id.
type Stream struct {
	ID uint64

	mu       sync.Mutex
	fetcher  Fetcher
	closed   bool
	onResume []func()

	// processing holds the value of an in-progress PROCESS flag: request and
	// response processing never overlap on the same stream (§5 ordering
	// guarantee), so at most one direction is ever active here.
	processing *Direction
}

// New creates a Stream with the given wire identity and sample fetcher.
func New(id uint64, fetcher Fetcher) *Stream {
	return &Stream{ID: id, fetcher: fetcher}
}

// Fetch resolves a sample expression through the stream's configured Fetcher.
func (s *Stream) Fetch(dir Direction, name string, args []string) (Sample, bool) {
	s.mu.Lock()
	f := s.fetcher
	s.mu.Unlock()
	if f == nil {
		return Sample{}, false
	}
	return f.Fetch(s, dir, name, args)
}

// TryBeginProcessing marks dir as the stream's active processing direction.
// It fails if the other direction is already in flight, enforcing the
// invariant that REQ_PROCESS and RSP_PROCESS never overlap.
func (s *Stream) TryBeginProcessing(dir Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing != nil && *s.processing != dir {
		return false
	}
	d := dir
	s.processing = &d
	return true
}

// EndProcessing clears the active processing direction and runs any
// callbacks registered via OnResume — the mechanism a yielded SPOE context
// or rule evaluator uses to be re-entered once it is unblocked.
func (s *Stream) EndProcessing() {
	s.mu.Lock()
	s.processing = nil
	cbs := s.onResume
	s.onResume = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// OnResume registers a callback invoked the next time EndProcessing runs.
// Used by a yielded stream to re-enter process_messages without polling.
func (s *Stream) OnResume(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cb()
		return
	}
	s.onResume = append(s.onResume, cb)
}

// Close marks the stream torn down; any still-registered resume callbacks
// fire immediately so their owners can transition to ERROR instead of
// waiting forever.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cbs := s.onResume
	s.onResume = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// Closed reports whether the stream has been torn down.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
