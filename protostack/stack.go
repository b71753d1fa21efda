// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack

import (
	"net"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/debug"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/iohub"
)

type (
	// App is the top of the stack - the command transport implements it.
	App interface {
		// RecvFromStack delivers inbound bytes in arrival order.
		RecvFromStack(b []byte)
		// RecvClosed signals that no more bytes will arrive; cause is nil
		// on a clean end-of-stream.
		RecvClosed(cause error)
		// Aborted signals that the stack was torn down mid-flight.
		Aborted(cause error)
	}

	// Filter is a removable protocol layer. Bytes travel up through OnRecv
	// and down through DoSend; a filter that has finished its job calls
	// Ctl.Completed and becomes a pass-through.
	Filter interface {
		Init(ctl *Ctl)
		// Start may initiate a handshake by sending; called bottom-up once
		// the stack is assembled.
		Start() error
		OnRecv(b []byte) error
		DoSend(b []byte) error
		OnRecvClosed(cause error)
		DoCloseSend()
	}

	// Ctl is the filter's handle into its stack position.
	Ctl struct {
		stack *Stack
		idx   int
		done  atomic.Bool
	}

	slot struct {
		filter Filter
		ctl    *Ctl
	}

	Stack struct {
		name string
		hub  *iohub.Hub
		net  *NetworkLayer
		app  App

		// filters in bottom-up order; a completed filter stays in place as
		// a pass-through until the whole stack goes away
		slots []slot

		// the channel keeps a single send queue, so downward traffic is
		// already serialized at the source; upward traffic is serialized
		// here so the app sees arrival order even when a filter hands off
		// to a decoding goroutine
		recvMu     sync.Mutex
		aborted    atomic.Bool
		sendClosed atomic.Bool
	}
)

// Build assembles network <-> filters... <-> app over conn, registers the
// network layer with the hub, and starts the filters bottom-up.
func Build(name string, hub *iohub.Hub, conn net.Conn, app App, filters ...Filter) (*Stack, error) {
	s := &Stack{name: name, hub: hub, app: app}
	s.net = newNetworkLayer(s, hub)
	s.slots = make([]slot, 0, len(filters))
	for i, f := range filters {
		ctl := &Ctl{stack: s, idx: i}
		f.Init(ctl)
		s.slots = append(s.slots, slot{filter: f, ctl: ctl})
	}
	s.net.attach(conn)
	for _, sl := range s.slots {
		if err := sl.filter.Start(); err != nil {
			s.Abort(err)
			return nil, err
		}
	}
	return s, nil
}

func (s *Stack) String() string { return s.name }

// Send pushes b down from the application layer. Within a single direction
// the stack never reorders bytes.
func (s *Stack) Send(b []byte) error {
	if s.aborted.Load() {
		return ErrStackAborted
	}
	if s.sendClosed.Load() {
		return ErrSendClosed
	}
	return s.sendFrom(len(s.slots)-1, b)
}

// CloseSend propagates the send-side half close down the stack.
func (s *Stack) CloseSend() {
	if !s.sendClosed.CAS(false, true) {
		return
	}
	for i := len(s.slots) - 1; i >= 0; i-- {
		sl := s.slots[i]
		if !sl.ctl.done.Load() {
			sl.filter.DoCloseSend()
			return
		}
	}
	s.net.doCloseSend()
}

// Abort tears the whole stack down with cause; idempotent.
func (s *Stack) Abort(cause error) {
	if !s.aborted.CAS(false, true) {
		return
	}
	nlog.Warningf("%s: abort: %v", s.name, cause)
	s.net.shutdown(cause)
	s.app.Aborted(cause)
}

func (s *Stack) Aborted() bool { return s.aborted.Load() }

// Close releases the stack quietly after an orderly shutdown (no app
// notification, no warning).
func (s *Stack) Close() {
	if s.aborted.CAS(false, true) {
		s.net.shutdown(nil)
	}
}

// sendFrom routes b down starting at slot index `from` (from ==
// len(slots)-1 means the topmost filter; -1 means straight to the network).
func (s *Stack) sendFrom(from int, b []byte) error {
	for i := from; i >= 0; i-- {
		sl := s.slots[i]
		if sl.ctl.done.Load() {
			continue
		}
		return sl.filter.DoSend(b)
	}
	return s.net.doSend(b)
}

// recvFrom routes b up starting above slot index `from` (from == -1 means
// the bottommost filter; len(slots) means the app).
func (s *Stack) recvFrom(from int, b []byte) error {
	for i := from + 1; i < len(s.slots); i++ {
		sl := s.slots[i]
		if sl.ctl.done.Load() {
			continue
		}
		return sl.filter.OnRecv(b)
	}
	s.recvMu.Lock()
	s.app.RecvFromStack(b)
	s.recvMu.Unlock()
	return nil
}

func (s *Stack) recvClosedFrom(from int, cause error) {
	for i := from + 1; i < len(s.slots); i++ {
		sl := s.slots[i]
		if sl.ctl.done.Load() {
			continue
		}
		sl.filter.OnRecvClosed(cause)
		return
	}
	s.recvMu.Lock()
	s.app.RecvClosed(cause)
	s.recvMu.Unlock()
}

/////////
// Ctl //
/////////

// PassDown hands b to the next active layer below the filter.
func (c *Ctl) PassDown(b []byte) error {
	return c.stack.sendFrom(c.idx-1, b)
}

// PassUp hands b to the next active layer above the filter.
func (c *Ctl) PassUp(b []byte) error {
	return c.stack.recvFrom(c.idx, b)
}

// PassUpClosed propagates the receive-side half close above the filter.
func (c *Ctl) PassUpClosed(cause error) {
	c.stack.recvClosedFrom(c.idx, cause)
}

// PassDownCloseSend propagates the send-side half close below the filter.
func (c *Ctl) PassDownCloseSend() {
	for i := c.idx - 1; i >= 0; i-- {
		sl := c.stack.slots[i]
		if !sl.ctl.done.Load() {
			sl.filter.DoCloseSend()
			return
		}
	}
	c.stack.net.doCloseSend()
}

// Completed removes the filter from the chain: from here on both directions
// bypass it. The filter must have flushed any data it buffered (FlushSend /
// FlushRecv) before calling.
func (c *Ctl) Completed() {
	ok := c.done.CAS(false, true)
	debug.Assert(ok, "filter completed twice")
	nlog.Infof("%s: filter %d completed", c.stack.name, c.idx)
}

// Abort tears the whole stack down.
func (c *Ctl) Abort(cause error) { c.stack.Abort(cause) }

// Execute submits fn to the hub's executor (never the dispatch goroutine).
func (c *Ctl) Execute(fn func()) { c.stack.hub.Execute(fn) }

// FlushSend serializes q downward in order; used right before Completed.
func (c *Ctl) FlushSend(q [][]byte) error {
	for _, b := range q {
		if err := c.PassDown(b); err != nil {
			return err
		}
	}
	return nil
}

// FlushRecv serializes q upward in order; used right before Completed.
func (c *Ctl) FlushRecv(q [][]byte) error {
	for _, b := range q {
		if err := c.PassUp(b); err != nil {
			return err
		}
	}
	return nil
}
