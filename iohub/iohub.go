// Package iohub runs a single-threaded readiness dispatch loop with an
// attached executor, used by network layers.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package iohub

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/debug"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

// Interest flags
const (
	OpAccept = 1 << iota
	OpConnect
	OpRead
	OpWrite
)

type (
	// Listener receives readiness callbacks on the hub's dispatch
	// goroutine. The callback must not block: anything that can block is
	// handed to Hub.Execute. Before a callback for operation X is invoked
	// the hub has already cleared X from the key's interest set; the
	// listener re-arms explicitly. This linearizes processing of any one
	// operation per key.
	Listener interface {
		Ready(key *Key, accept, connect, read, write bool)
		Abort(key *Key, cause error)
	}

	// Key is one registration: a byte channel plus its interest set and
	// internal staging buffers standing in for the kernel socket buffers.
	Key struct {
		hub      *Hub
		conn     net.Conn
		ln       net.Listener
		listener Listener

		mu       sync.Mutex
		interest int
		accepted []net.Conn
		dead     bool

		recvq *cos.FifoBuf // filled by the read pump
		sendq *cos.FifoBuf // drained by the write pump

		wmu  sync.Mutex
		werr error

		pumpWG  sync.WaitGroup
		wpumpWG sync.WaitGroup
	}

	Hub struct {
		dispatchCh chan func()
		execCh     chan func()
		stopCh     *cos.StopCh
		wg         sync.WaitGroup

		mu   sync.Mutex
		keys map[*Key]struct{}
	}
)

const (
	sockBufSize = 64 * cos.KiB
	scratchSize = 32 * cos.KiB
)

// New creates a hub and starts its dispatch goroutine plus `workers`
// executor goroutines for user callbacks.
func New(workers int) *Hub {
	debug.Assert(workers > 0)
	h := &Hub{
		dispatchCh: make(chan func(), 256),
		execCh:     make(chan func(), 256),
		stopCh:     cos.NewStopCh(),
		keys:       make(map[*Key]struct{}, 8),
	}
	h.wg.Add(1)
	go h.dispatchLoop()
	for range workers {
		h.wg.Add(1)
		go h.execLoop()
	}
	return h
}

// Execute submits fn to the executor pool.
func (h *Hub) Execute(fn func()) {
	select {
	case h.execCh <- fn:
	case <-h.stopCh.Listen():
	}
}

// Register enqueues the registration; regCB (optional) runs on the dispatch
// goroutine once the key is armed, mirroring selector-thread registration
// callbacks.
func (h *Hub) Register(conn net.Conn, l Listener, interest int, regCB func(*Key)) {
	k := &Key{hub: h, conn: conn, listener: l, interest: interest,
		recvq: cos.NewFifoBuf(sockBufSize), sendq: cos.NewFifoBuf(sockBufSize)}
	h.enqueue(func() {
		h.mu.Lock()
		h.keys[k] = struct{}{}
		h.mu.Unlock()
		k.startPumps()
		if regCB != nil {
			regCB(k)
		}
	})
}

// RegisterListener arms accept-readiness for a net.Listener.
func (h *Hub) RegisterListener(ln net.Listener, l Listener, regCB func(*Key)) {
	k := &Key{hub: h, ln: ln, listener: l, interest: OpAccept}
	h.enqueue(func() {
		h.mu.Lock()
		h.keys[k] = struct{}{}
		h.mu.Unlock()
		k.startAcceptPump()
		if regCB != nil {
			regCB(k)
		}
	})
}

// Shutdown aborts every registered key with cause and stops the loops.
func (h *Hub) Shutdown(cause error) {
	h.mu.Lock()
	keys := make([]*Key, 0, len(h.keys))
	for k := range h.keys {
		keys = append(keys, k)
	}
	h.mu.Unlock()
	for _, k := range keys {
		k.Cancel(cause)
	}
	h.stopCh.Close()
}

func (h *Hub) enqueue(fn func()) {
	select {
	case h.dispatchCh <- fn:
	case <-h.stopCh.Listen():
	}
}

func (h *Hub) dispatchLoop() {
	defer h.wg.Done()
	for {
		select {
		case fn := <-h.dispatchCh:
			fn()
		case <-h.stopCh.Listen():
			return
		}
	}
}

func (h *Hub) execLoop() {
	defer h.wg.Done()
	for {
		select {
		case fn := <-h.execCh:
			fn()
		case <-h.stopCh.Listen():
			return
		}
	}
}

/////////
// Key //
/////////

// interest updates are funneled through the dispatch goroutine, same as
// registration

func (k *Key) AddInterestRead()     { k.hub.enqueue(func() { k.setInterest(OpRead, true) }) }
func (k *Key) RemoveInterestRead()  { k.hub.enqueue(func() { k.setInterest(OpRead, false) }) }
func (k *Key) AddInterestWrite()    { k.hub.enqueue(func() { k.setInterest(OpWrite, true) }) }
func (k *Key) RemoveInterestWrite() { k.hub.enqueue(func() { k.setInterest(OpWrite, false) }) }
func (k *Key) AddInterestAccept()   { k.hub.enqueue(func() { k.setInterest(OpAccept, true) }) }
func (k *Key) AddInterestConnect()  { k.hub.enqueue(func() { k.setInterest(OpConnect, true) }) }

func (k *Key) setInterest(op int, on bool) {
	k.mu.Lock()
	if on {
		k.interest |= op
	} else {
		k.interest &^= op
	}
	k.mu.Unlock()
	if on {
		k.maybeReady(op)
	}
}

// Read drains staged inbound bytes; (0, nil) means nothing buffered (the
// caller re-arms read interest), io.EOF means the peer closed.
func (k *Key) Read(p []byte) (int, error) { return k.recvq.TryRead(p) }

// Write stages outbound bytes for the write pump; (n < len(p)) means the
// staging buffer filled up (the caller re-arms write interest).
func (k *Key) Write(p []byte) (int, error) {
	k.wmu.Lock()
	err := k.werr
	k.wmu.Unlock()
	if err != nil {
		return 0, err
	}
	return k.sendq.TryWrite(p)
}

// Accept returns one pending connection, or nil when none are queued.
func (k *Key) Accept() net.Conn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.accepted) == 0 {
		return nil
	}
	c := k.accepted[0]
	k.accepted = k.accepted[1:]
	return c
}

// Cancel tears the key down once; a non-nil cause is passed to the
// listener's Abort, and a nil cause notifies nobody. Staged
// outbound bytes get a bounded chance to reach the wire first, so that a
// final message (e.g. a handshake refusal) is not dropped on the floor.
func (k *Key) Cancel(cause error) {
	k.mu.Lock()
	if k.dead {
		k.mu.Unlock()
		return
	}
	k.dead = true
	k.mu.Unlock()

	if k.conn != nil {
		k.recvq.CloseWithErr(cause)
		k.sendq.Close() // write pump drains the remainder, then exits
		go func() {
			flushed := make(chan struct{})
			go func() { k.wpumpWG.Wait(); close(flushed) }()
			select {
			case <-flushed:
			case <-time.After(2 * time.Second):
			}
			k.conn.Close()
		}()
	}
	if k.ln != nil {
		k.ln.Close()
	}
	k.hub.mu.Lock()
	delete(k.hub.keys, k)
	k.hub.mu.Unlock()
	if cause != nil {
		k.hub.enqueue(func() { k.listener.Abort(k, cause) })
	}
}

func (k *Key) isDead() bool {
	k.mu.Lock()
	d := k.dead
	k.mu.Unlock()
	return d
}

// maybeReady fires the readiness callback for op if armed, clearing the
// interest first (runs on the dispatch goroutine).
func (k *Key) maybeReady(op int) {
	k.mu.Lock()
	if k.dead || k.interest&op == 0 || !k.pending(op) {
		k.mu.Unlock()
		return
	}
	k.interest &^= op
	k.mu.Unlock()
	k.listener.Ready(k, op == OpAccept, op == OpConnect, op == OpRead, op == OpWrite)
}

// k.mu held
func (k *Key) pending(op int) bool {
	switch op {
	case OpRead:
		return k.recvq.Len() > 0 || k.recvq.Closed()
	case OpWrite:
		return k.sendq.Len() < k.sendq.Cap()
	case OpAccept:
		return len(k.accepted) > 0
	}
	return true
}

func (k *Key) startPumps() {
	k.pumpWG.Add(2)
	k.wpumpWG.Add(1)
	go k.readPump()
	go k.writePump()
}

func (k *Key) readPump() {
	defer k.pumpWG.Done()
	scratch := make([]byte, scratchSize)
	for {
		n, err := k.conn.Read(scratch)
		if n > 0 {
			b := scratch[:n]
			for len(b) > 0 {
				w, werr := k.recvq.Write(b)
				if werr != nil {
					return
				}
				b = b[w:]
			}
			k.hub.enqueue(func() { k.maybeReady(OpRead) })
		}
		if err != nil {
			// end-of-stream and transport errors alike surface to the
			// stack as a receive-closed with cause; the selector loop
			// itself never crashes on a closed channel
			k.recvq.CloseWithErr(causeOrNil(err))
			k.hub.enqueue(func() { k.maybeReady(OpRead) })
			return
		}
	}
}

func (k *Key) writePump() {
	defer k.pumpWG.Done()
	defer k.wpumpWG.Done()
	scratch := make([]byte, scratchSize)
	for {
		n, err := k.sendq.Read(scratch)
		if err != nil {
			return // sendq closed via Cancel
		}
		b := scratch[:n]
		for len(b) > 0 {
			w, werr := k.conn.Write(b)
			b = b[w:]
			if werr != nil {
				k.wmu.Lock()
				k.werr = werr
				k.wmu.Unlock()
				nlog.Warningf("iohub: write: %v", werr)
				k.Cancel(werr)
				return
			}
		}
		k.hub.enqueue(func() { k.maybeReady(OpWrite) })
	}
}

func (k *Key) startAcceptPump() {
	k.pumpWG.Add(1)
	go func() {
		defer k.pumpWG.Done()
		for {
			c, err := k.ln.Accept()
			if err != nil {
				if !k.isDead() {
					k.Cancel(err)
				}
				return
			}
			k.mu.Lock()
			k.accepted = append(k.accepted, c)
			k.mu.Unlock()
			k.hub.enqueue(func() { k.maybeReady(OpAccept) })
		}
	}()
}

// io.EOF is the normal end-of-stream; the receive-closed event carries a nil
// cause in that case
func causeOrNil(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
