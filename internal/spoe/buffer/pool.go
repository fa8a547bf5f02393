// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implements the reserved-buffer pool shared by SPOE applets
// and contexts: a fixed set of fixed-size byte slices handed out on
// Acquire and returned on Release. Acquisition is wait-free while reserved
// buffers are available; once exhausted, a caller is queued and woken by
// Release the moment a buffer comes back, in FIFO order.
package buffer

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of pool occupancy and wait activity.
type Stats struct {
	Capacity    int
	BufferSize  int
	Free        int
	InUse       int
	Waiters     int
	TotalWaits  int64
	TotalOffers int64
}

// Pool hands out fixed-size buffers from a fixed-capacity reservation.
// It mirrors HAProxy's buffer_wait/offer_buffers pair: Release doesn't just
// free a slot, it actively offers the freed buffer to the oldest waiter
// before the slot is considered available again.
type Pool struct {
	bufSize  int
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	free    [][]byte
	waiters list.List // of *waiter, oldest at Front

	totalWaits  atomic.Int64
	totalOffers atomic.Int64
}

// waiter is a single pending Acquire, woken by Release invoking accept.
// accept returns true if the waiter took the buffer, false if it had
// already been canceled (e.g. its context expired) and the buffer should
// be offered to the next waiter instead.
type waiter struct {
	accept func(buf []byte) bool
}

// New creates a Pool reserving count buffers of size bytes each.
func New(count, size int, logger *slog.Logger) *Pool {
	if count < 1 {
		count = 1
	}
	if size < 1 {
		size = 1
	}
	free := make([][]byte, count)
	for i := range free {
		free[i] = make([]byte, size)
	}
	if logger != nil {
		logger.Info("buffer pool initialized", "capacity", count, "buffer_size", size)
	}
	return &Pool{bufSize: size, capacity: count, logger: logger, free: free}
}

// BufferSize returns the fixed size of every buffer this pool hands out.
func (p *Pool) BufferSize() int { return p.bufSize }

// TryAcquire returns a buffer without blocking. ok is false if the pool is
// currently exhausted; the caller should Subscribe or call Acquire instead.
func (p *Pool) TryAcquire() (buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popFreeLocked()
}

// popFreeLocked removes and returns the last free buffer. Must hold p.mu.
func (p *Pool) popFreeLocked() ([]byte, bool) {
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	buf := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return buf, true
}

// Acquire blocks until a buffer is available or ctx is done. It is the
// blocking convenience wrapper over Subscribe for callers without their
// own wakeup target (e.g. tests, synchronous CLI paths); SPOE applets and
// contexts that yield on PENDING should use Subscribe directly so the
// wakeup re-enters their own state machine instead of parking a goroutine.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	if buf, ok := p.TryAcquire(); ok {
		return buf, nil
	}

	ch := make(chan []byte, 1)
	var delivered atomic.Bool
	cancel := p.Subscribe(func(buf []byte) bool {
		if !delivered.CompareAndSwap(false, true) {
			return false
		}
		ch <- buf
		return true
	})

	select {
	case buf := <-ch:
		return buf, nil
	case <-ctx.Done():
		cancel()
		// A race is possible: Release may have already handed us a
		// buffer between ctx firing and cancel() running. Drain it back.
		select {
		case buf := <-ch:
			return buf, nil
		default:
		}
		return nil, ctx.Err()
	}
}

// Subscribe registers a wakeup target to be invoked the next time a buffer
// is released, in FIFO order relative to other pending subscribers. It
// returns a cancel function that removes the registration; calling cancel
// after the waiter has already been woken is a no-op. accept is called
// with the pool unlocked; it must return promptly and must not call back
// into the pool synchronously.
func (p *Pool) Subscribe(accept func(buf []byte) bool) (cancel func()) {
	p.mu.Lock()
	if buf, ok := p.popFreeLocked(); ok {
		p.mu.Unlock()
		// A buffer freed up between the failed TryAcquire and here; hand
		// it straight over rather than making the caller wait a full cycle.
		if accept(buf) {
			return func() {}
		}
		p.Release(buf)
		return func() {}
	}
	w := &waiter{accept: accept}
	elem := p.waiters.PushBack(w)
	p.totalWaits.Add(1)
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if elem.Value != nil {
			p.waiters.Remove(elem)
			elem.Value = nil
		}
	}
}

// Release returns buf to the pool, offering it to the oldest subscribed
// waiter first (offer_buffers semantics). If every waiter it tries has
// already been canceled or declines, the buffer rejoins the free list.
func (p *Pool) Release(buf []byte) {
	for {
		p.mu.Lock()
		elem := p.waiters.Front()
		if elem == nil {
			p.free = append(p.free, buf)
			p.mu.Unlock()
			return
		}
		w, _ := elem.Value.(*waiter)
		p.waiters.Remove(elem)
		p.mu.Unlock()

		if w == nil {
			continue
		}
		p.totalOffers.Add(1)
		if w.accept(buf) {
			return
		}
		// Waiter had already been canceled concurrently; try the next one.
	}
}

// Stats returns a snapshot of current occupancy and lifetime wait counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := len(p.free)
	return Stats{
		Capacity:    p.capacity,
		BufferSize:  p.bufSize,
		Free:        free,
		InUse:       p.capacity - free,
		Waiters:     p.waiters.Len(),
		TotalWaits:  p.totalWaits.Load(),
		TotalOffers: p.totalOffers.Load(),
	}
}
