// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

func TestWindowConservation(t *testing.T) {
	w := NewPipeWindow(1000, true)
	n, err := w.Acquire(600)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, n == 600, "acquired %d", n)
	w.Ack(200)

	initial, avail, written, acked := w.Stats()
	tassert.Fatalf(t, written >= acked && acked >= 0, "written=%d acked=%d", written, acked)
	tassert.Fatalf(t, int64(initial) == int64(avail)+(written-acked),
		"conservation violated: %d != %d + (%d - %d)", initial, avail, written, acked)
}

func TestWindowBlocksAndWakes(t *testing.T) {
	w := NewPipeWindow(10, true)
	n, err := w.Acquire(100)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, n == 10, "acquired %d of an empty-bounded window", n)

	got := make(chan int, 1)
	go func() {
		m, _ := w.Acquire(5)
		got <- m
	}()
	select {
	case m := <-got:
		t.Fatalf("acquire returned %d without credit", m)
	case <-time.After(50 * time.Millisecond):
	}
	w.Ack(3)
	select {
	case m := <-got:
		tassert.Fatalf(t, m == 3, "woke with %d", m)
	case <-time.After(time.Second):
		t.Fatal("ack did not wake the blocked writer")
	}
}

func TestWindowDeath(t *testing.T) {
	w := NewPipeWindow(1, true)
	_, err := w.Acquire(1)
	tassert.CheckFatal(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, aerr := w.Acquire(1)
		errCh <- aerr
	}()
	w.Die(nil)
	err = <-errCh
	tassert.Fatalf(t, err != nil, "blocked writer survived the reader's death")
	pe, ok := err.(*ErrPipeClosed)
	tassert.Fatalf(t, ok, "wrong error type %T", err)
	tassert.Errorf(t, pe.Cause != nil, "death cause dropped")
}

func TestWindowPassThrough(t *testing.T) {
	w := NewPipeWindow(1, false) // peer has no throttling support
	for range 100 {
		n, err := w.Acquire(1 << 20)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, n == 1<<20, "pass-through throttled to %d", n)
	}
}

// the degenerate window never throttles, but the reader's death must still
// stop the writer
func TestWindowPassThroughDeath(t *testing.T) {
	w := NewPipeWindow(1, false)
	_, err := w.Acquire(1)
	tassert.CheckFatal(t, err)

	cause := errPipeDied
	w.Die(cause)
	_, err = w.Acquire(1)
	tassert.Fatalf(t, err != nil, "pass-through window transmitted past death")
	pe, ok := err.(*ErrPipeClosed)
	tassert.Fatalf(t, ok, "wrong error type %T", err)
	tassert.Errorf(t, pe.Cause == cause, "death cause dropped: %v", pe.Cause)
}
