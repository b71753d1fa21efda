// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/debug"
)

// PipeWindow is the writer-side credit counter mirroring the unread
// capacity on the reader. The sender never transmits more than the
// available credit; the reader returns credit through acks as its consumer
// drains. Steady-state conservation:
//
//	initial == available + (written - acked)
type PipeWindow struct {
	mu    sync.Mutex
	cond  *sync.Cond
	initial  int
	avail    int
	written  int64
	acked    int64
	death    error
	throttle bool
}

// NewPipeWindow: throttle=false builds the degenerate pass-through used
// when the peer did not advertise pipe throttling.
func NewPipeWindow(initial int, throttle bool) *PipeWindow {
	debug.Assert(initial > 0)
	w := &PipeWindow{initial: initial, avail: initial, throttle: throttle}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Acquire blocks until at least one byte of credit (or death), then grabs
// up to max bytes of it.
func (w *PipeWindow) Acquire(max int) (int, error) {
	debug.Assert(max > 0)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.throttle {
		// degenerate mode waives throttling, not the death check: once
		// the reader died nothing may be transmitted
		if w.death != nil {
			return 0, &ErrPipeClosed{Cause: w.death}
		}
		w.written += int64(max)
		return max, nil
	}
	for w.avail == 0 && w.death == nil {
		w.cond.Wait()
	}
	if w.death != nil {
		return 0, &ErrPipeClosed{Cause: w.death}
	}
	n := min(w.avail, max)
	w.avail -= n
	w.written += int64(n)
	return n, nil
}

// Ack returns credit; called on PipeAckCommand arrival.
func (w *PipeWindow) Ack(delta int) {
	if delta <= 0 {
		return
	}
	w.mu.Lock()
	w.acked += int64(delta)
	if w.throttle {
		w.avail += delta
		if w.avail > w.initial {
			w.avail = w.initial // a confused peer must not grow the window
		}
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

// Die records the reader's death; all blocked writers observe it.
func (w *PipeWindow) Die(cause error) {
	w.mu.Lock()
	if w.death == nil {
		if cause == nil {
			cause = errPipeDied
		}
		w.death = cause
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *PipeWindow) Dead() error {
	w.mu.Lock()
	d := w.death
	w.mu.Unlock()
	return d
}

// Stats exposes (initial, available, written, acked) for tests and
// diagnostics.
func (w *PipeWindow) Stats() (initial, avail int, written, acked int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initial, w.avail, w.written, w.acked
}
