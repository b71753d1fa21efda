// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"context"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
)

// Future is the async form of a call's outcome.
type Future struct {
	done chan struct{}
	set  atomic.Bool
	body []byte
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Wait blocks for the outcome; ctx cancellation returns ctx.Err without
// resolving the future (the caller cancels the request separately).
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports completion without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// resolve delivers the outcome at most once; a Response is delivered to at
// most one pending request.
func (f *Future) resolve(body []byte, err error) bool {
	if !f.set.CAS(false, true) {
		return false
	}
	f.body, f.err = body, err
	close(f.done)
	return true
}

type pendingReq struct {
	fut *Future
	op  string
}
