// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack_test

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/protostack"
	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

// loopApp captures everything the stack delivers upward.
type loopApp struct {
	mu     sync.Mutex
	recv   bytes.Buffer
	closed chan error
	abort  chan error
}

func newLoopApp() *loopApp {
	return &loopApp{closed: make(chan error, 1), abort: make(chan error, 1)}
}

func (a *loopApp) RecvFromStack(b []byte) {
	a.mu.Lock()
	a.recv.Write(b)
	a.mu.Unlock()
}

func (a *loopApp) RecvClosed(cause error) { a.closed <- cause }
func (a *loopApp) Aborted(cause error)    { a.abort <- cause }

func (a *loopApp) bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.recv.Bytes()...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func strp(s string) *string { return &s }

func TestHandshakeAndHeaders(t *testing.T) {
	connC, connS := net.Pipe()
	hub := iohub.New(2)
	defer hub.Shutdown(nil)

	var (
		serverSawName string
		appC          = newLoopApp()
		appS          = newLoopApp()
		wg            sync.WaitGroup
		stC, stS      *protostack.Stack
		errC, errS    error
	)
	verify := func(peer protostack.ConnectionHeaders) error {
		if n := peer[protostack.HdrAgentName]; n != nil {
			serverSawName = *n
		}
		if s := peer[protostack.HdrSecret]; s == nil || *s != "cafe" {
			return errors.New("bad secret")
		}
		return nil
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		stC, errC = protostack.Build("client", hub, connC, appC,
			protostack.NewProtoClientFilter("remoting-4"),
			protostack.NewHeadersFilter(protostack.ConnectionHeaders{
				protostack.HdrAgentName: strp("agent-7"),
				protostack.HdrSecret:    strp("cafe"),
			}, nil))
	}()
	go func() {
		defer wg.Done()
		stS, errS = protostack.Build("server", hub, connS, appS,
			protostack.NewProtoServerFilter("remoting-4"),
			protostack.NewHeadersFilter(protostack.ConnectionHeaders{
				protostack.HdrAgentName: strp("controller"),
			}, verify))
	}()
	wg.Wait()
	tassert.CheckFatal(t, errC)
	tassert.CheckFatal(t, errS)

	// application bytes written before the handshake finished must arrive,
	// in order, after it
	tassert.CheckFatal(t, stC.Send([]byte("hello-")))
	tassert.CheckFatal(t, stC.Send([]byte("after-handshake")))
	tassert.CheckFatal(t, stS.Send([]byte("server-data")))

	waitFor(t, func() bool { return string(appS.bytes()) == "hello-after-handshake" },
		"server app did not receive client bytes")
	waitFor(t, func() bool { return string(appC.bytes()) == "server-data" },
		"client app did not receive server bytes")
	tassert.Errorf(t, serverSawName == "agent-7", "server saw name %q", serverSawName)
}

func TestHandshakeRefusal(t *testing.T) {
	connC, connS := net.Pipe()
	hub := iohub.New(2)
	defer hub.Shutdown(nil)

	appC := newLoopApp()
	appS := newLoopApp()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		protostack.Build("client", hub, connC, appC,
			protostack.NewProtoClientFilter("remoting-999"))
	}()
	go func() {
		defer wg.Done()
		protostack.Build("server", hub, connS, appS,
			protostack.NewProtoServerFilter("remoting-4"))
	}()
	wg.Wait()

	select {
	case cause := <-appC.abort:
		var refusal *protostack.ErrRefusal
		tassert.Fatalf(t, errors.As(cause, &refusal), "abort cause %T: %v", cause, cause)
		tassert.Errorf(t, refusal.Reason != "", "refusal without the peer's reason")
	case <-time.After(3 * time.Second):
		t.Fatal("client stack not aborted on protocol refusal")
	}
}

func TestHeadersRejection(t *testing.T) {
	connC, connS := net.Pipe()
	hub := iohub.New(2)
	defer hub.Shutdown(nil)

	appC := newLoopApp()
	appS := newLoopApp()
	reject := func(protostack.ConnectionHeaders) error { return errors.New("secret mismatch") }
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		protostack.Build("client", hub, connC, appC,
			protostack.NewProtoClientFilter("remoting-4"),
			protostack.NewHeadersFilter(protostack.ConnectionHeaders{}, nil))
	}()
	go func() {
		defer wg.Done()
		protostack.Build("server", hub, connS, appS,
			protostack.NewProtoServerFilter("remoting-4"),
			protostack.NewHeadersFilter(protostack.ConnectionHeaders{}, reject))
	}()
	wg.Wait()

	// the rejecting side aborts with its own reason; the rejected side
	// learns the reason from the refusal header set
	select {
	case cause := <-appC.abort:
		var refusal *protostack.ErrRefusal
		tassert.Fatalf(t, errors.As(cause, &refusal), "client abort cause %T", cause)
		tassert.Errorf(t, refusal.Reason == "secret mismatch", "reason %q", refusal.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("client not told about the rejection")
	}
}
