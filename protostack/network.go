// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/iohub"
)

var (
	ErrStackAborted = errors.New("protocol stack aborted")
	ErrSendClosed   = errors.New("send side already closed")
)

// NetworkLayer adapts an iohub key to the bottom of a protocol stack. It
// keeps a bounded send queue and drains it on write-readiness; on
// read-readiness it pulls from the key until the key reports empty (then
// re-arms) or end-of-stream (then signals receive-closed upstream).
type NetworkLayer struct {
	stack *Stack
	hub   *iohub.Hub

	key     *iohub.Key
	keyMu   sync.Mutex
	keySet  chan struct{}

	sendq   *cos.FifoBuf
	drainMu sync.Mutex // SendTo is single-consumer
	scratch []byte

	recvDone  atomic.Bool
	sendDone  atomic.Bool
	closeOnce sync.Once
}

const netSendQSize = 256 * cos.KiB

func newNetworkLayer(s *Stack, hub *iohub.Hub) *NetworkLayer {
	return &NetworkLayer{
		stack:   s,
		hub:     hub,
		keySet:  make(chan struct{}),
		sendq:   cos.NewFifoBuf(netSendQSize),
		scratch: make([]byte, 32*cos.KiB),
	}
}

func (nl *NetworkLayer) attach(conn net.Conn) {
	nl.hub.Register(conn, nl, iohub.OpRead, func(k *iohub.Key) {
		nl.keyMu.Lock()
		nl.key = k
		nl.keyMu.Unlock()
		close(nl.keySet)
	})
}

func (nl *NetworkLayer) waitKey() *iohub.Key {
	<-nl.keySet
	nl.keyMu.Lock()
	k := nl.key
	nl.keyMu.Unlock()
	return k
}

// doSend enqueues outbound bytes; blocks when the bounded queue is full
// (natural backpressure toward the channel's send loop).
func (nl *NetworkLayer) doSend(b []byte) error {
	if nl.sendDone.Load() {
		return ErrSendClosed
	}
	k := nl.waitKey()
	if _, err := nl.sendq.Write(b); err != nil {
		return err
	}
	nl.drain(k)
	return nil
}

func (nl *NetworkLayer) doCloseSend() {
	if !nl.sendDone.CAS(false, true) {
		return
	}
	k := nl.waitKey()
	// flush whatever is queued, then stop accepting
	nl.drain(k)
	nl.sendq.Close()
}

// drain moves queued bytes into the key until the key refuses more, then
// re-arms write interest.
func (nl *NetworkLayer) drain(k *iohub.Key) {
	nl.drainMu.Lock()
	defer nl.drainMu.Unlock()
	for nl.sendq.Len() > 0 {
		n, err := nl.sendq.SendTo(k)
		if err != nil {
			nl.stack.Abort(err)
			return
		}
		if n == 0 { // key staging full
			k.AddInterestWrite()
			return
		}
	}
}

//
// iohub.Listener
//

func (nl *NetworkLayer) Ready(k *iohub.Key, _, _ bool, read, write bool) {
	if read {
		nl.readReady(k)
	}
	if write {
		nl.drain(k)
	}
}

func (nl *NetworkLayer) Abort(_ *iohub.Key, cause error) {
	nl.stack.Abort(cause)
}

func (nl *NetworkLayer) readReady(k *iohub.Key) {
	for {
		n, err := k.Read(nl.scratch)
		if n > 0 {
			if perr := nl.stack.recvFrom(-1, nl.scratch[:n]); perr != nil {
				nl.stack.Abort(perr)
				return
			}
		}
		switch {
		case err == nil && n == 0:
			k.AddInterestRead() // would block; re-arm
			return
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			nl.recvClosed(nil)
			return
		default:
			// a closed channel is a receive-closed event, not a crash
			nl.recvClosed(err)
			return
		}
	}
}

func (nl *NetworkLayer) recvClosed(cause error) {
	if !nl.recvDone.CAS(false, true) {
		return
	}
	if cause != nil {
		nlog.Warningf("%s: recv closed: %v", nl.stack.name, cause)
	}
	nl.stack.recvClosedFrom(-1, cause)
}

// shutdown releases the key; used by Stack.Abort.
func (nl *NetworkLayer) shutdown(cause error) {
	nl.closeOnce.Do(func() {
		nl.sendDone.Store(true)
		nl.sendq.CloseWithErr(cause)
		nl.keyMu.Lock()
		k := nl.key
		nl.keyMu.Unlock()
		if k != nil {
			k.Cancel(nil) // cause already known to the stack
		}
	})
}
