// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/debug"
	"github.com/jenkinsci/remoting-sub008/cmn/mono"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

const NameSuffix = ".gc"

// CleanupFunc is invoked when its timer fires and returns the interval until
// the next invocation. A cleanup that panics is logged and rescheduled (the
// housekeeper must make forward progress on the remaining registrations).
type CleanupFunc func() time.Duration

const UnregInterval = -1 // a CleanupFunc return value to unregister

type (
	timedAction struct {
		name       string
		f          CleanupFunc
		updateTime int64
	}
	timedActions []timedAction

	housekeeper struct {
		stopCh  *cos.StopCh
		sigCh   chan struct{}
		actions *timedActions
		timer   *time.Timer
		mu      sync.Mutex
		running bool
		runWg   sync.WaitGroup
	}
)

var DefaultHK *housekeeper

func init() {
	Init()
}

func Init() {
	DefaultHK = &housekeeper{
		stopCh:  cos.NewStopCh(),
		sigCh:   make(chan struct{}, 16),
		actions: &timedActions{},
	}
	DefaultHK.runWg.Add(1)
	heap.Init(DefaultHK.actions)
}

func TestInit() { Init() }

func WaitStarted() { DefaultHK.runWg.Wait() }

func Reg(name string, f CleanupFunc, initial time.Duration) {
	DefaultHK.reg(name, f, initial)
}

func Unreg(name string) {
	DefaultHK.unreg(name)
}

//
// timedActions min-heap (by updateTime)
//

func (tc timedActions) Len() int            { return len(tc) }
func (tc timedActions) Less(i, j int) bool  { return tc[i].updateTime < tc[j].updateTime }
func (tc timedActions) Swap(i, j int)       { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction  { return &tc[0] }
func (tc *timedActions) Push(x any)         { *tc = append(*tc, x.(timedAction)) }
func (tc *timedActions) Pop() any {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[:n-1]
	return item
}

//
// housekeeper
//

func (hk *housekeeper) reg(name string, f CleanupFunc, initial time.Duration) {
	hk.mu.Lock()
	hk._push(timedAction{name: name, f: f, updateTime: mono.NanoTime() + initial.Nanoseconds()})
	hk.mu.Unlock()
	hk.kick()
}

func (hk *housekeeper) unreg(name string) {
	hk.mu.Lock()
	for i, tc := range *hk.actions {
		if tc.name == name {
			heap.Remove(hk.actions, i)
			break
		}
	}
	hk.mu.Unlock()
	hk.kick()
}

func (hk *housekeeper) _push(tc timedAction) {
	debug.AssertFunc(func() bool {
		for _, p := range *hk.actions {
			if p.name == tc.name {
				return false
			}
		}
		return true
	}, tc.name)
	heap.Push(hk.actions, tc)
}

func (hk *housekeeper) kick() {
	select {
	case hk.sigCh <- struct{}{}:
	default:
	}
}

func (hk *housekeeper) Run() {
	hk.timer = time.NewTimer(time.Hour)
	hk.mu.Lock()
	if !hk.running {
		hk.running = true
		hk.runWg.Done()
	}
	hk.mu.Unlock()
	defer hk.timer.Stop()
	for {
		select {
		case <-hk.stopCh.Listen():
			return
		case <-hk.timer.C:
			hk.tick()
		case <-hk.sigCh:
			hk.rearm()
		}
	}
}

func (hk *housekeeper) Stop() { hk.stopCh.Close() }

func (hk *housekeeper) tick() {
	now := mono.NanoTime()
	hk.mu.Lock()
	for hk.actions.Len() > 0 && hk.actions.Peek().updateTime <= now {
		tc := heap.Pop(hk.actions).(timedAction)
		hk.mu.Unlock()

		interval := hk.invoke(tc)

		hk.mu.Lock()
		if interval != UnregInterval {
			tc.updateTime = mono.NanoTime() + interval.Nanoseconds()
			hk._push(tc)
		}
	}
	hk.mu.Unlock()
	hk.rearm()
}

// a single cleanup that panics does not stall the others
func (hk *housekeeper) invoke(tc timedAction) (interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: %q panicked: %v - requeueing", tc.name, r)
			interval = time.Second
		}
	}()
	return tc.f()
}

func (hk *housekeeper) rearm() {
	hk.mu.Lock()
	if hk.actions.Len() == 0 {
		hk.timer.Reset(time.Hour)
	} else {
		d := time.Duration(hk.actions.Peek().updateTime - mono.NanoTime())
		if d < time.Millisecond {
			d = time.Millisecond
		}
		hk.timer.Reset(d)
	}
	hk.mu.Unlock()
}
