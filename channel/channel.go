// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn"
	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/hk"
	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/protostack"
	"github.com/tinylib/msgp/msgp"
)

// built-in operations (reserved name prefix "rmt.")
const (
	opPipeConnect = "rmt.pipe.connect"
	opPropGet     = "rmt.prop.get"
)

type (
	// Handler executes one named user operation arriving from the peer.
	Handler func(body []byte) ([]byte, error)

	// CallableDecorator wraps inbound operation execution; decorators
	// chain in registration order, outermost first. A decorator failure
	// propagates to the remote caller as the operation's failure.
	CallableDecorator func(op string, next Handler) Handler

	// Stats are cumulative per-channel counters.
	Stats struct {
		CmdsSent atomic.Int64
		CmdsRecv atomic.Int64
		Pending  atomic.Int64
	}

	// Options configure channel construction.
	Options struct {
		Config     *cmn.Config
		Initiator  bool // decides OID parity (even for the initiator)
		Filter     ClassFilter
		Decorators []CallableDecorator
	}

	// Channel is the duplex RPC runtime bound to one transport pair.
	// Created when the capability exchange completes; terminated exactly
	// once, via the orderly close protocol or unorderly teardown.
	Channel struct {
		name string
		cfg  *cmn.Config
		hub  *iohub.Hub
		tr   *CommandTransport
		fr   *FlightRecorder

		peerCap Capability

		reqID   atomic.Int64
		pendMu  sync.Mutex
		pending map[int64]*pendingReq

		inClosed  atomic.Bool
		outClosed atomic.Bool
		termOnce  sync.Once
		closedCh  chan struct{}
		closeMu   sync.Mutex
		closeCause error

		extable *ExportTable
		filter  ClassFilter

		handlerMu  sync.RWMutex
		handlers   map[string]Handler
		decorators []CallableDecorator

		propMu     sync.Mutex
		propCond   *sync.Cond
		props      map[string][]byte
		pipeAccept func(*Pipe)

		pipeMu      sync.Mutex
		pipes       map[int32]*Pipe // reader side, by OID
		pipeWriters map[int32]*Pipe // writer side, by reader OID

		termHookMu sync.Mutex
		termHooks  []func(cause error)

		stats Stats
	}
)

// New builds a channel over conn: assembles the protocol stack with the
// given filters, performs the capability exchange, and returns the live
// channel. The hub is shared; distinct channels never synchronize with
// each other except through process-wide singletons.
func New(name string, hub *iohub.Hub, conn net.Conn, opts Options, filters ...protostack.Filter) (*Channel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &cmn.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parity := int32(1)
	if opts.Initiator {
		parity = 0
	}
	flt := opts.Filter
	if flt == nil {
		flt = DefaultFilter()
	}
	own := OwnCapability
	if cfg.Compression {
		own |= CapCompress
	}
	fr := NewFlightRecorder(cfg.FlightSize)
	ch := &Channel{
		name:        name,
		cfg:         cfg,
		hub:         hub,
		fr:          fr,
		pending:     make(map[int64]*pendingReq, 8),
		closedCh:    make(chan struct{}),
		extable:     NewExportTable(parity, cfg.UnexportWait),
		filter:      flt,
		handlers:    make(map[string]Handler, 8),
		decorators:  opts.Decorators,
		props:       make(map[string][]byte, 4),
		pipes:       make(map[int32]*Pipe, 4),
		pipeWriters: make(map[int32]*Pipe, 4),
	}
	ch.propCond = sync.NewCond(&ch.propMu)
	ch.registerBuiltins()

	ch.tr = NewCommandTransport(name, own, fr)
	stack, err := protostack.Build(name, hub, conn, ch.tr, filters...)
	if err != nil {
		return nil, err
	}
	peer, err := ch.tr.Bind(stack, ch.deliver, ch.onRecvFailed)
	if err != nil {
		stack.Abort(err)
		return nil, err
	}
	ch.peerCap = peer
	nlog.Infof("%s: established, peer %s", name, peer)

	hk.Reg(ch.hkName(), ch.sweep, cfg.SweepEvery)
	return ch, nil
}

func (ch *Channel) Name() string                { return ch.name }
func (ch *Channel) String() string              { return "channel[" + ch.name + "]" }
func (ch *Channel) PeerCapability() Capability  { return ch.peerCap }
func (ch *Channel) Exports() *ExportTable       { return ch.extable }
func (ch *Channel) Closed() <-chan struct{}     { return ch.closedCh }
func (ch *Channel) hkName() string              { return ch.name + ".extable" + hk.NameSuffix }

func (ch *Channel) IsClosing() bool { return ch.inClosed.Load() || ch.outClosed.Load() }

// CloseCause returns the recorded reason after termination.
func (ch *Channel) CloseCause() error {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	return ch.closeCause
}

// PendingCount is a test/diagnostics hook.
func (ch *Channel) PendingCount() int {
	ch.pendMu.Lock()
	n := len(ch.pending)
	ch.pendMu.Unlock()
	return n
}

func (ch *Channel) GetStats() (sent, recv, pending int64) {
	return ch.stats.CmdsSent.Load(), ch.stats.CmdsRecv.Load(), ch.stats.Pending.Load()
}

func (ch *Channel) exec(fn func()) { ch.hub.Execute(fn) }

//
// outbound: calls
//

// RegisterOp installs the handler executing op for the peer; replaces any
// previous handler under the same name.
func (ch *Channel) RegisterOp(op string, h Handler) {
	ch.handlerMu.Lock()
	ch.handlers[op] = h
	ch.handlerMu.Unlock()
}

// Call synchronously invokes op on the peer and returns its result; fails
// with *ErrClosed once shutdown has begun.
func (ch *Channel) Call(op string, body []byte) ([]byte, error) {
	return ch.CallContext(context.Background(), op, body)
}

// CallContext is Call with cancellation/deadline. On cancellation the
// pending request is removed and a best-effort cancel command is sent (the
// peer may honor or ignore it).
func (ch *Channel) CallContext(ctx context.Context, op string, body []byte) ([]byte, error) {
	fut, id, err := ch.callAsync(op, body)
	if err != nil {
		return nil, err
	}
	select {
	case <-fut.done:
		return fut.body, fut.err
	case <-ctx.Done():
		ch.dropPending(id)
		_ = ch.send(NewCancelRequest(id)) // best-effort
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errTimeout{op: op}
		}
		return nil, ctx.Err()
	}
}

// CallAsync returns a future resolving to op's result.
func (ch *Channel) CallAsync(op string, body []byte) (*Future, error) {
	fut, _, err := ch.callAsync(op, body)
	return fut, err
}

func (ch *Channel) callAsync(op string, body []byte) (*Future, int64, error) {
	if ch.IsClosing() {
		return nil, 0, NewErrClosed(ch.name, ch.CloseCause())
	}
	id := ch.reqID.Inc()
	fut := newFuture()
	ch.pendMu.Lock()
	ch.pending[id] = &pendingReq{fut: fut, op: op}
	ch.pendMu.Unlock()
	ch.stats.Pending.Inc()
	if err := ch.send(NewUserRequest(id, op, body)); err != nil {
		ch.dropPending(id)
		return nil, 0, err
	}
	return fut, id, nil
}

// CallRemote invokes a method on an object the peer exported under oid.
func (ch *Channel) CallRemote(oid int32, method string, args []byte) ([]byte, error) {
	return ch.CallRemoteContext(context.Background(), oid, method, args)
}

func (ch *Channel) CallRemoteContext(ctx context.Context, oid int32, method string, args []byte) ([]byte, error) {
	if ch.IsClosing() {
		return nil, NewErrClosed(ch.name, ch.CloseCause())
	}
	if ch.filter.MatchesSignature(method) {
		return nil, &ErrClassFiltered{Class: method}
	}
	id := ch.reqID.Inc()
	fut := newFuture()
	ch.pendMu.Lock()
	ch.pending[id] = &pendingReq{fut: fut, op: method}
	ch.pendMu.Unlock()
	ch.stats.Pending.Inc()
	if err := ch.send(NewRPCRequest(id, oid, method, args)); err != nil {
		ch.dropPending(id)
		return nil, err
	}
	select {
	case <-fut.done:
		return fut.body, fut.err
	case <-ctx.Done():
		ch.dropPending(id)
		_ = ch.send(NewCancelRequest(id))
		return nil, ctx.Err()
	}
}

func (ch *Channel) dropPending(id int64) {
	ch.pendMu.Lock()
	if _, ok := ch.pending[id]; ok {
		delete(ch.pending, id)
		ch.stats.Pending.Dec()
	}
	ch.pendMu.Unlock()
}

// send is the single admission point for outbound commands.
func (ch *Channel) send(cmd Command) error {
	if ch.outClosed.Load() {
		return NewErrClosed(ch.name, ch.CloseCause())
	}
	if err := ch.tr.Send(cmd); err != nil {
		return err
	}
	ch.stats.CmdsSent.Inc()
	return nil
}

//
// export table front-end
//

// Export registers obj in the export table and returns the OID the peer
// can address it by.
func (ch *Channel) Export(obj any, invoker Invoker, pinned bool) int32 {
	return ch.extable.Export(obj, invoker, pinned)
}

// ReleaseRemote tells the peer this side dropped count references to its
// export.
func (ch *Channel) ReleaseRemote(oid int32, count int64) error {
	return ch.send(NewDgcRequest(DgcRelease, oid, count))
}

func (ch *Channel) AddRemoteRef(oid int32, count int64) error {
	return ch.send(NewDgcRequest(DgcAddRef, oid, count))
}

//
// properties
//

// SetProperty publishes a named object to the peer; a nil value deletes.
func (ch *Channel) SetProperty(name string, v []byte) {
	ch.propMu.Lock()
	if v == nil {
		delete(ch.props, name)
	} else {
		ch.props[name] = v
	}
	ch.propCond.Broadcast()
	ch.propMu.Unlock()
}

// Property is the local (non-blocking) lookup.
func (ch *Channel) Property(name string) ([]byte, bool) {
	ch.propMu.Lock()
	v, ok := ch.props[name]
	ch.propMu.Unlock()
	return v, ok
}

// GetRemoteProperty blocks until the peer publishes name or the channel
// closes.
func (ch *Channel) GetRemoteProperty(ctx context.Context, name string) ([]byte, error) {
	return ch.CallContext(ctx, opPropGet, msgp.AppendString(nil, name))
}

// waitProperty serves the peer's blocking lookup (runs on an executor
// goroutine).
func (ch *Channel) waitProperty(name string) ([]byte, error) {
	ch.propMu.Lock()
	defer ch.propMu.Unlock()
	for {
		if v, ok := ch.props[name]; ok {
			return v, nil
		}
		select {
		case <-ch.closedCh:
			return nil, NewErrClosed(ch.name, ch.CloseCause())
		default:
		}
		ch.propCond.Wait()
	}
}

func (ch *Channel) registerBuiltins() {
	ch.handlers[opPropGet] = func(body []byte) ([]byte, error) {
		name, _, err := msgp.ReadStringBytes(body)
		if err != nil {
			return nil, err
		}
		return ch.waitProperty(name)
	}
	ch.handlers[opPipeConnect] = func([]byte) ([]byte, error) {
		p := CreateRemoteToLocal(ch)
		ch.notifyPipeAccept(p)
		return msgp.AppendInt32(nil, p.OID()), nil
	}
}

// OnPipeAccept registers the consumer of peer-initiated pipes.
func (ch *Channel) OnPipeAccept(fn func(*Pipe)) {
	ch.propMu.Lock()
	ch.pipeAccept = fn
	ch.propMu.Unlock()
}

func (ch *Channel) notifyPipeAccept(p *Pipe) {
	ch.propMu.Lock()
	fn := ch.pipeAccept
	ch.propMu.Unlock()
	if fn != nil {
		ch.exec(func() { fn(p) })
	} else {
		nlog.Warningf("%s: unclaimed inbound pipe oid=%d", ch.name, p.OID())
	}
}

//
// pipe registries
//

func (ch *Channel) registerPipe(p *Pipe) int32 {
	oid := ch.extable.Export(p, nil, true)
	p.oid = oid
	ch.pipeMu.Lock()
	ch.pipes[oid] = p
	ch.pipeMu.Unlock()
	return oid
}

func (ch *Channel) unregisterPipe(oid int32) {
	ch.pipeMu.Lock()
	_, ok := ch.pipes[oid]
	delete(ch.pipes, oid)
	ch.pipeMu.Unlock()
	if ok {
		ch.extable.Unpin(oid)
	}
}

func (ch *Channel) registerPipeWriter(p *Pipe) {
	ch.pipeMu.Lock()
	ch.pipeWriters[p.oid] = p
	ch.pipeMu.Unlock()
}

func (ch *Channel) unregisterPipeWriter(p *Pipe) {
	ch.pipeMu.Lock()
	delete(ch.pipeWriters, p.oid)
	ch.pipeMu.Unlock()
}

func (ch *Channel) lookupPipe(oid int32) *Pipe {
	ch.pipeMu.Lock()
	p := ch.pipes[oid]
	ch.pipeMu.Unlock()
	return p
}

func (ch *Channel) lookupPipeWriter(oid int32) *Pipe {
	ch.pipeMu.Lock()
	p := ch.pipeWriters[oid]
	ch.pipeMu.Unlock()
	return p
}

//
// inbound dispatch (transport recv goroutine)
//

func (ch *Channel) deliver(cmd Command) {
	ch.stats.CmdsRecv.Inc()
	switch c := cmd.(type) {
	case *Response:
		ch.onResponse(c)
	case *UserRequest:
		ch.exec(func() { ch.runUserRequest(c) })
	case *RPCRequest:
		// the invoker is resolved here, in arrival order relative to DGC
		// updates on the same channel, so a release cannot overtake an
		// already-received invocation
		inv, err := ch.extable.Get(c.OID)
		if err != nil {
			ch.replyErr(c.ReqID, err)
			return
		}
		ch.exec(func() { ch.runRPCRequest(c, inv) })
	case *DgcRequest:
		ch.onDgc(c)
	case *PipeWrite:
		if p := ch.lookupPipe(c.OID); p != nil {
			p.onWrite(c.Data)
		}
	case *PipeEOF:
		if p := ch.lookupPipe(c.OID); p != nil {
			p.onEOF()
		}
	case *PipeAck:
		// an ack for an unknown OID is ignored: the pipe may have been
		// collected after an unorderly close
		if p := ch.lookupPipeWriter(c.OID); p != nil {
			p.win.Ack(int(c.Delta))
		}
	case *PipeError:
		if p := ch.lookupPipe(c.OID); p != nil {
			p.onError(c.Msg)
		} else if w := ch.lookupPipeWriter(c.OID); w != nil {
			w.win.Die(fmt.Errorf("%s", c.Msg))
		}
	case *CloseCmd:
		ch.onCloseCmd(c)
	default:
		nlog.Errorf("%s: unroutable command (created at %s)", ch.name, cmd.Trace())
	}
}

func (ch *Channel) onResponse(c *Response) {
	ch.pendMu.Lock()
	pr, ok := ch.pending[c.ReqID]
	if ok {
		delete(ch.pending, c.ReqID)
	}
	ch.pendMu.Unlock()
	if !ok {
		nlog.Warningf("%s: response for unknown request %d (created at %s)",
			ch.name, c.ReqID, c.Trace())
		return
	}
	ch.stats.Pending.Dec()
	if c.IsErr {
		pr.fut.resolve(nil, &ErrRemote{Name: c.ErrName, Msg: c.ErrMsg, Frames: c.ErrStack})
	} else {
		pr.fut.resolve(c.Body, nil)
	}
}

func (ch *Channel) runUserRequest(c *UserRequest) {
	ch.handlerMu.RLock()
	h, ok := ch.handlers[c.Op]
	ch.handlerMu.RUnlock()
	if !ok {
		ch.replyErr(c.ReqID, cos.NewErrNotFound("operation %q", c.Op))
		return
	}
	for i := len(ch.decorators) - 1; i >= 0; i-- {
		h = ch.decorators[i](c.Op, h)
	}
	body, err := runSafely(h, c.Body)
	if err != nil {
		ch.replyErr(c.ReqID, err)
		return
	}
	ch.reply(c.ReqID, body)
}

func (ch *Channel) runRPCRequest(c *RPCRequest, inv Invoker) {
	if inv == nil {
		ch.replyErr(c.ReqID, &ErrInvalidOID{OID: c.OID})
		return
	}
	body, err := runSafely(func(b []byte) ([]byte, error) { return inv(c.Method, b) }, c.Body)
	if err != nil {
		ch.replyErr(c.ReqID, err)
		return
	}
	ch.reply(c.ReqID, body)
}

// runSafely converts a handler panic into the operation's failure instead
// of killing the executor.
func runSafely(h Handler, body []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return h(body)
}

func (ch *Channel) reply(reqID int64, body []byte) {
	if err := ch.send(NewResponse(reqID, body)); err != nil {
		nlog.Warningf("%s: response %d undeliverable: %v", ch.name, reqID, err)
	}
}

func (ch *Channel) replyErr(reqID int64, cause error) {
	frames := []string{}
	var name string
	if re, ok := cause.(*ErrRemote); ok {
		name, frames = re.Name, re.Frames
	} else {
		name = fmt.Sprintf("%T", cause)
	}
	if err := ch.send(NewErrResponse(reqID, name, cause.Error(), frames)); err != nil {
		nlog.Warningf("%s: error response %d undeliverable: %v", ch.name, reqID, err)
	}
}

func (ch *Channel) onDgc(c *DgcRequest) {
	switch c.Verb {
	case DgcAddRef:
		ch.extable.AddRef(c.OID, c.Delta)
	case DgcRelease:
		ch.extable.Release(c.OID, c.Delta)
	case DgcPing:
		// liveness only; nothing to update
	case DgcCancel:
		// best-effort: we do not interrupt a running handler, but a
		// not-yet-started one will find its request gone
		nlog.Infof("%s: peer cancelled request %d", ch.name, c.ReqID)
	default:
		nlog.Warningf("%s: unknown dgc verb %d (created at %s)", ch.name, c.Verb, c.Trace())
	}
}

//
// close protocol
//

// Close initiates the orderly shutdown: send the close command (the last
// command ever written on the stream) and wait for the peer's own.
func (ch *Channel) Close() error {
	return ch.CloseContext(context.Background())
}

func (ch *Channel) CloseContext(ctx context.Context) error {
	if ch.outClosed.CAS(false, true) {
		if err := ch.tr.Send(NewCloseCmd("local close")); err != nil {
			// peer unreachable; fall through to unorderly teardown
			ch.terminate(err)
			return nil
		}
		ch.stats.CmdsSent.Inc()
		if ch.inClosed.Load() {
			ch.terminate(nil)
		}
	}
	select {
	case <-ch.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) onCloseCmd(*CloseCmd) {
	ch.inClosed.Store(true)
	if ch.outClosed.CAS(false, true) {
		if err := ch.tr.Send(NewCloseCmd("peer close")); err != nil {
			nlog.Warningf("%s: close echo: %v", ch.name, err)
		} else {
			ch.stats.CmdsSent.Inc()
		}
	}
	ch.terminate(nil)
}

// onRecvFailed: the receive side ended. Before the close command this is
// an unorderly shutdown; the historic behavior - no goodbye command is
// sent on this path - is preserved deliberately.
func (ch *Channel) onRecvFailed(cause error) {
	if ch.inClosed.Load() && ch.outClosed.Load() {
		ch.terminate(nil) // already past the close exchange
		return
	}
	if cause == nil {
		cause = io.EOF
	}
	ch.inClosed.Store(true)
	ch.outClosed.Store(true)
	ch.terminate(cause)
}

// OnTerminate registers a hook invoked once with the close cause.
func (ch *Channel) OnTerminate(fn func(cause error)) {
	ch.termHookMu.Lock()
	ch.termHooks = append(ch.termHooks, fn)
	ch.termHookMu.Unlock()
}

// terminate runs exactly once and releases, in order: the transport, the
// pending requests, the export table, the pipes, and the registered hooks
// (proxy classloaders among them).
func (ch *Channel) terminate(cause error) {
	ch.termOnce.Do(func() {
		ch.closeMu.Lock()
		ch.closeCause = cause
		ch.closeMu.Unlock()

		hk.Unreg(ch.hkName())
		ch.tr.CloseSend()
		ch.tr.Release() // the cause, if any, is already recorded

		cerr := NewErrClosed(ch.name, cause)

		ch.pendMu.Lock()
		pend := ch.pending
		ch.pending = make(map[int64]*pendingReq)
		ch.pendMu.Unlock()
		for id, pr := range pend {
			nlog.Infof("%s: failing pending request %d (%s)", ch.name, id, pr.op)
			pr.fut.resolve(nil, cerr)
			ch.stats.Pending.Dec()
		}

		ch.extable.Clear("channel closed")

		ch.pipeMu.Lock()
		readers := ch.pipes
		writers := ch.pipeWriters
		ch.pipes = make(map[int32]*Pipe)
		ch.pipeWriters = make(map[int32]*Pipe)
		ch.pipeMu.Unlock()
		for _, p := range readers {
			p.in.CloseWithErr(cerr)
		}
		for _, p := range writers {
			p.win.Die(cerr)
		}

		ch.propMu.Lock()
		ch.propCond.Broadcast()
		ch.propMu.Unlock()

		close(ch.closedCh)

		ch.termHookMu.Lock()
		hooks := ch.termHooks
		ch.termHooks = nil
		ch.termHookMu.Unlock()
		for _, fn := range hooks {
			fn(cause)
		}

		if cause != nil {
			dump := ch.fr.Dump()
			nlog.Warningf("%s: terminated: %v (flight recorder: %s of recent rx)",
				ch.name, cause, cos.ToSizeIEC(int64(len(dump)), 0))
		} else {
			nlog.Infof("%s: closed", ch.name)
		}
	})
}

// WaitClosed blocks until termination (test helper).
func (ch *Channel) WaitClosed(timeout time.Duration) bool {
	select {
	case <-ch.closedCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// sweep is this channel's housekeeping slot.
func (ch *Channel) sweep() time.Duration {
	n := ch.extable.Sweep(nil)
	if n > 0 {
		nlog.Infof("%s: swept %d export%s", ch.name, n, cos.Plural(n))
	}
	return ch.cfg.SweepEvery
}
