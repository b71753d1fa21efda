// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/cmn"
	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/tools/tassert"
	"github.com/jenkinsci/remoting-sub008/tools/trand"
)

type pair struct {
	a, b *channel.Channel
	hub  *iohub.Hub
}

// newPair wires two channels over an in-memory byte-pair; A initiates.
func newPair(t *testing.T, cfg *cmn.Config) *pair {
	t.Helper()
	if cfg == nil {
		cfg = &cmn.Config{}
	}
	connA, connB := net.Pipe()
	hub := iohub.New(4)
	var (
		wg   sync.WaitGroup
		p    = &pair{hub: hub}
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.a, errA = channel.New("A", hub, connA, channel.Options{Config: cfg, Initiator: true})
	}()
	go func() {
		defer wg.Done()
		p.b, errB = channel.New("B", hub, connB, channel.Options{Config: cfg})
	}()
	wg.Wait()
	tassert.CheckFatal(t, errA)
	tassert.CheckFatal(t, errB)
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
		hub.Shutdown(nil)
	})
	return p
}

func TestCallRoundTrip(t *testing.T) {
	p := newPair(t, nil)
	p.b.RegisterOp("test.ping", func(body []byte) ([]byte, error) {
		return []byte("pong"), nil
	})
	out, err := p.a.Call("test.ping", nil)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(out) == "pong", "got %q", out)
	tassert.Fatalf(t, p.b.Exports().Size() == 0, "B export table size %d", p.b.Exports().Size())
	tassert.Fatalf(t, p.a.PendingCount() == 0, "A pending map size %d", p.a.PendingCount())
}

func TestCallRemoteError(t *testing.T) {
	p := newPair(t, nil)
	p.b.RegisterOp("test.boom", func([]byte) ([]byte, error) {
		return nil, errors.New("deliberate failure")
	})
	_, err := p.a.Call("test.boom", nil)
	tassert.Fatalf(t, err != nil, "remote failure swallowed")
	re, ok := err.(*channel.ErrRemote)
	tassert.Fatalf(t, ok, "wrong error type %T", err)
	tassert.Errorf(t, re.Msg == "deliberate failure", "message mangled: %q", re.Msg)
}

func TestExactlyOnce(t *testing.T) {
	p := newPair(t, nil)
	p.b.RegisterOp("test.echo", func(body []byte) ([]byte, error) {
		return body, nil
	})
	// a burst of async calls: every request gets exactly one response and
	// every response lands on its own pending request
	futs := make([]*channel.Future, 64)
	for i := range futs {
		fut, err := p.a.CallAsync("test.echo", []byte{byte(i)})
		tassert.CheckFatal(t, err)
		futs[i] = fut
	}
	for i, fut := range futs {
		out, err := fut.Wait(context.Background())
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, len(out) == 1 && out[0] == byte(i), "response %d crossed wires: %v", i, out)
	}
	tassert.Fatalf(t, p.a.PendingCount() == 0, "pending map size %d", p.a.PendingCount())
}

func TestExportAndCallRemote(t *testing.T) {
	p := newPair(t, nil)
	oid := p.b.Export(&struct{ name string }{"adder"}, func(method string, args []byte) ([]byte, error) {
		tassert.Errorf(t, method == "add", "method %q", method)
		return append(args, '!'), nil
	}, false)

	out, err := p.a.CallRemote(oid, "add", []byte("hey"))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(out) == "hey!", "got %q", out)

	// release and sweep: the OID must become invalid with history attached
	tassert.CheckFatal(t, p.a.ReleaseRemote(oid, 1))
	time.Sleep(50 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for p.b.Exports().Size() > 0 && time.Now().Before(deadline) {
		p.b.Exports().Sweep(nil)
		time.Sleep(10 * time.Millisecond)
	}
	_, err = p.a.CallRemote(oid, "add", []byte("x"))
	tassert.Fatalf(t, err != nil, "released OID still resolvable")
}

func TestProperties(t *testing.T) {
	p := newPair(t, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.b.SetProperty("answer", []byte("42"))
	}()
	// must block until the peer publishes
	v, err := p.a.GetRemoteProperty(context.Background(), "answer")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(v) == "42", "got %q", v)
}

func TestOrderlyClose(t *testing.T) {
	p := newPair(t, nil)
	tassert.CheckFatal(t, p.a.Close())
	tassert.Fatalf(t, p.a.WaitClosed(2*time.Second), "A not terminated")
	tassert.Fatalf(t, p.b.WaitClosed(2*time.Second), "B not terminated")

	// no new user requests once shutdown has begun
	_, err := p.a.Call("test.anything", nil)
	tassert.Fatalf(t, channel.IsErrClosed(err), "expected ErrClosed, got %v", err)
	tassert.Fatalf(t, p.a.PendingCount() == 0, "pending requests survived close")
}

func TestUnorderlyShutdownDuringCall(t *testing.T) {
	connA, connB := net.Pipe()
	hub := iohub.New(4)
	defer hub.Shutdown(nil)
	var (
		wg   sync.WaitGroup
		a, b *channel.Channel
		ea, eb error
	)
	wg.Add(2)
	go func() { defer wg.Done(); a, ea = channel.New("A", hub, connA, channel.Options{Initiator: true}) }()
	go func() { defer wg.Done(); b, eb = channel.New("B", hub, connB, channel.Options{}) }()
	wg.Wait()
	tassert.CheckFatal(t, ea)
	tassert.CheckFatal(t, eb)

	b.RegisterOp("test.hang", func([]byte) ([]byte, error) {
		time.Sleep(time.Hour)
		return nil, nil
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Call("test.hang", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the request reach B
	connB.Close()                     // sever the transport abruptly

	select {
	case err := <-errCh:
		tassert.Fatalf(t, channel.IsErrClosed(err), "in-flight call got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight call not failed by transport loss")
	}
	tassert.Fatalf(t, a.WaitClosed(2*time.Second), "A not terminated")
	tassert.Fatalf(t, a.Exports().Size() == 0, "A export table not cleared")
}

func TestCallTimeout(t *testing.T) {
	p := newPair(t, nil)
	p.b.RegisterOp("test.slow", func([]byte) ([]byte, error) {
		time.Sleep(time.Hour)
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.a.CallContext(ctx, "test.slow", nil)
	tassert.Fatalf(t, channel.IsTimeout(err), "expected timeout, got %v", err)
	tassert.Fatalf(t, p.a.PendingCount() == 0, "timed-out request left pending")
}

func TestPipeOrderPreservation(t *testing.T) {
	p := newPair(t, nil)
	reader := channel.CreateRemoteToLocal(p.b)
	writer := channel.AttachWriter(p.a, reader.OID())

	random := rand.New(rand.NewSource(7))
	payload := trand.Bytes(random, 300_000)
	go func() {
		for off := 0; off < len(payload); {
			n := min(1+random.Intn(9000), len(payload)-off)
			if _, err := writer.Write(payload[off : off+n]); err != nil {
				return
			}
			off += n
		}
		writer.CloseWrite()
	}()
	var got bytes.Buffer
	buf := make([]byte, 8192)
	for {
		n, err := reader.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	tassert.Fatalf(t, bytes.Equal(got.Bytes(), payload),
		"pipe corrupted: %d in, %d out", len(payload), got.Len())
}

func TestPipeSaturation(t *testing.T) {
	cfg := &cmn.Config{PipeWindow: 65536}
	p := newPair(t, cfg)
	reader := channel.CreateRemoteToLocal(p.b)
	writer := channel.AttachWriter(p.a, reader.OID())

	const total = 131073
	var (
		sent = make(chan int, 1)
		done = make(chan struct{})
	)
	go func() {
		payload := make([]byte, total)
		n, _ := writer.Write(payload)
		sent <- n
		close(done)
	}()

	// the writer must stall after at most one window of credit
	time.Sleep(200 * time.Millisecond)
	_, _, written, _ := windowOf(writer)
	tassert.Fatalf(t, written <= 65536, "writer sent %d > window", written)
	select {
	case <-done:
		t.Fatal("writer finished without the reader draining")
	default:
	}

	// one byte of drain unblocks exactly one byte of progress
	one := make([]byte, 1)
	_, err := reader.Read(one)
	tassert.CheckFatal(t, err)
	waitWritten(t, writer, 65537)

	// a full drain releases the writer completely
	go func() {
		buf := make([]byte, 32*1024)
		for {
			if _, err := reader.Read(buf); err != nil {
				return
			}
		}
	}()
	select {
	case n := <-sent:
		tassert.Fatalf(t, n == total, "writer sent %d of %d", n, total)
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after full drain")
	}
	writer.CloseWrite()
}

func windowOf(p *channel.Pipe) (initial, avail int, written, acked int64) {
	return p.WindowStats()
}

func waitWritten(t *testing.T, p *channel.Pipe, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, written, _ := p.WindowStats(); written >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, _, written, _ := p.WindowStats()
	t.Fatalf("writer stuck at %d, want >= %d", written, want)
}

func TestSerializerBlacklist(t *testing.T) {
	p := newPair(t, nil)
	ser := channel.MsgpSerializer{}
	enc, err := ser.Encode(&channel.Typed{Class: "java.net.URLClassLoader", Value: "u"})
	tassert.CheckFatal(t, err)

	_, err = ser.Decode(enc, p.a.Resolver(nil))
	tassert.Fatalf(t, channel.IsErrClassFiltered(err), "blacklisted class deserialized (%v)", err)

	// the channel itself stays open after a filtered decode
	p.b.RegisterOp("test.alive", func([]byte) ([]byte, error) { return []byte("yes"), nil })
	out, err := p.a.Call("test.alive", nil)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(out) == "yes", "channel died after class filtering")
}
