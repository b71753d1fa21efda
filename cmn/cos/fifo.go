// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos

import (
	"io"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/debug"
)

// FifoBuf is a fixed-capacity ring of bytes shared by one writer and one
// reader goroutine. Closing wakes a blocked writer with ErrClosed; a reader
// drains the remainder and then observes io.EOF (or the deferred cause set
// via CloseWithErr).
//
// The ring is guarded by a single mutex; head/tail moves happen only under
// it. In particular the wrap-around split in Write/Read and the close
// transitions share the same critical section.
type FifoBuf struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []byte
	head     int // read position
	size     int // readable bytes
	closed   bool
	cause    error // raised by Read after the ring drains
}

func NewFifoBuf(capacity int) *FifoBuf {
	debug.Assert(capacity > 0)
	f := &FifoBuf{buf: make([]byte, capacity)}
	f.notEmpty = sync.NewCond(&f.mu)
	f.notFull = sync.NewCond(&f.mu)
	return f
}

func (f *FifoBuf) Cap() int { return len(f.buf) }

func (f *FifoBuf) Len() int {
	f.mu.Lock()
	n := f.size
	f.mu.Unlock()
	return n
}

func (f *FifoBuf) Closed() bool {
	f.mu.Lock()
	c := f.closed
	f.mu.Unlock()
	return c
}

// Write appends p, blocking while the ring is full. Returns ErrClosed (or
// the close cause) the moment the buffer is closed, even mid-write.
func (f *FifoBuf) Write(p []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(p) > 0 {
		for f.size == len(f.buf) && !f.closed {
			f.notFull.Wait()
		}
		if f.closed {
			if f.cause != nil {
				return n, f.cause
			}
			return n, ErrClosed
		}
		w := f.put(p)
		p = p[w:]
		n += w
		f.notEmpty.Broadcast()
	}
	return n, nil
}

// TryWrite appends at most as much of p as currently fits, never blocking.
func (f *FifoBuf) TryWrite(p []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		if f.cause != nil {
			return 0, f.cause
		}
		return 0, ErrClosed
	}
	n = f.put(p)
	if n > 0 {
		f.notEmpty.Broadcast()
	}
	return n, nil
}

// Read fills p, blocking while the ring is empty and not closed. After close
// the remainder drains normally; the final read returns io.EOF or the
// deferred cause.
func (f *FifoBuf) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.size == 0 && !f.closed {
		f.notEmpty.Wait()
	}
	if f.size == 0 {
		if f.cause != nil {
			return 0, f.cause
		}
		return 0, io.EOF
	}
	n = f.get(p)
	f.notFull.Broadcast()
	return n, nil
}

// TryRead is the non-blocking form of Read; (0, nil) means "would block".
func (f *FifoBuf) TryRead(p []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.size == 0 {
		if f.closed {
			if f.cause != nil {
				return 0, f.cause
			}
			return 0, io.EOF
		}
		return 0, nil
	}
	n = f.get(p)
	f.notFull.Broadcast()
	return n, nil
}

// ReceiveFrom drains the reader into the ring without blocking on the ring:
// it reads at most the currently free space. Returns the reader's io.EOF
// as-is.
func (f *FifoBuf) ReceiveFrom(r io.Reader) (n int, err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrClosed
	}
	free := len(f.buf) - f.size
	if free == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	tail := (f.head + f.size) % len(f.buf)
	// contiguous run only; the caller loops
	run := free
	if tail+run > len(f.buf) {
		run = len(f.buf) - tail
	}
	dst := f.buf[tail : tail+run]
	f.mu.Unlock()

	n, err = r.Read(dst)

	f.mu.Lock()
	f.size += n
	if n > 0 {
		f.notEmpty.Broadcast()
	}
	f.mu.Unlock()
	return n, err
}

// SendTo copies the readable contiguous run into the writer without blocking
// on the ring; (0, nil) when empty.
func (f *FifoBuf) SendTo(w io.Writer) (n int, err error) {
	f.mu.Lock()
	if f.size == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	run := f.size
	if f.head+run > len(f.buf) {
		run = len(f.buf) - f.head
	}
	src := f.buf[f.head : f.head+run]
	f.mu.Unlock()

	n, err = w.Write(src)

	f.mu.Lock()
	debug.Assert(n <= f.size)
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
	if n > 0 {
		f.notFull.Broadcast()
	}
	f.mu.Unlock()
	return n, err
}

// Close rejects further writes; reads drain the remainder and then EOF.
func (f *FifoBuf) Close() { f.CloseWithErr(nil) }

// CloseWithErr closes and records cause for the reader to observe after
// drain (and for blocked writers to observe immediately).
func (f *FifoBuf) CloseWithErr(cause error) {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.cause = cause
		f.notEmpty.Broadcast()
		f.notFull.Broadcast()
	}
	f.mu.Unlock()
}

//
// ring internals (mu held)
//

func (f *FifoBuf) put(p []byte) (n int) {
	free := len(f.buf) - f.size
	n = min(free, len(p))
	tail := (f.head + f.size) % len(f.buf)
	k := copy(f.buf[tail:], p[:n])
	if k < n {
		copy(f.buf, p[k:n]) // wrapped
	}
	f.size += n
	return
}

func (f *FifoBuf) get(p []byte) (n int) {
	n = min(f.size, len(p))
	k := copy(p[:n], f.buf[f.head:])
	if k < n {
		copy(p[k:n], f.buf) // wrapped
	}
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
	return
}
