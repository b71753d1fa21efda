// Package iohub runs a single-threaded readiness dispatch loop with an
// attached executor, used by network layers.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package iohub_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

// recorder is a Listener that drains read-ready bytes and re-arms.
type recorder struct {
	mu    sync.Mutex
	data  bytes.Buffer
	eof   bool
	abort error
}

func (r *recorder) Ready(k *iohub.Key, _, _, read, _ bool) {
	if !read {
		return
	}
	buf := make([]byte, 1024)
	for {
		n, err := k.Read(buf)
		r.mu.Lock()
		r.data.Write(buf[:n])
		r.mu.Unlock()
		if err == io.EOF {
			r.mu.Lock()
			r.eof = true
			r.mu.Unlock()
			return
		}
		if err != nil {
			return
		}
		if n == 0 {
			k.AddInterestRead()
			return
		}
	}
}

func (r *recorder) Abort(_ *iohub.Key, cause error) {
	r.mu.Lock()
	r.abort = cause
	r.mu.Unlock()
}

func (r *recorder) snapshot() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String(), r.eof
}

func TestHubReadDispatch(t *testing.T) {
	hub := iohub.New(2)
	defer hub.Shutdown(nil)
	local, remote := net.Pipe()

	rec := &recorder{}
	hub.Register(local, rec, iohub.OpRead, nil)

	go func() {
		remote.Write([]byte("one "))
		remote.Write([]byte("two "))
		remote.Write([]byte("three"))
		remote.Close()
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, eof := rec.snapshot()
		if eof {
			tassert.Fatalf(t, got == "one two three", "got %q", got)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("EOF never dispatched (so far %q)", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubWritePath(t *testing.T) {
	hub := iohub.New(2)
	defer hub.Shutdown(nil)
	local, remote := net.Pipe()

	rec := &recorder{}
	var (
		keyCh = make(chan *iohub.Key, 1)
	)
	hub.Register(local, rec, 0, func(k *iohub.Key) { keyCh <- k })
	k := <-keyCh

	go func() {
		for off := 0; off < 5; {
			n, err := k.Write([]byte("hello"[off:]))
			tassert.CheckError(t, err)
			off += n
		}
	}()
	got := make([]byte, 5)
	_, err := io.ReadFull(remote, got)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(got) == "hello", "wire saw %q", got)
}

func TestHubExecutor(t *testing.T) {
	hub := iohub.New(2)
	defer hub.Shutdown(nil)
	done := make(chan struct{})
	hub.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor never ran the callback")
	}
}
