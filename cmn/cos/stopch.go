// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos

import (
	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
)

type StopCh struct {
	ch      chan struct{}
	stopped atomic.Bool
}

func NewStopCh() *StopCh { return &StopCh{ch: make(chan struct{})} }

func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func (s *StopCh) Close() {
	if s.stopped.CAS(false, true) {
		close(s.ch)
	}
}

func (s *StopCh) Stopped() bool { return s.stopped.Load() }
