// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/debug"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/protostack"
	"github.com/pierrec/lz4/v3"
)

// CommandTransport sits on top of the protocol stack: it frames outgoing
// commands into chunks, defragments inbound chunks back into commands, and
// performs the capability exchange that precedes all command traffic.
// Optional lz4 whole-stream compression kicks in right after the exchange
// when both sides advertise it.
type CommandTransport struct {
	name  string
	stack *protostack.Stack
	fr    *FlightRecorder

	own     Capability
	peerCh  chan Capability
	peerCap Capability

	recvq    *cos.FifoBuf // raw bytes from the stack
	recvEOF  atomic.Bool

	sendMu     sync.Mutex
	lzw        *lz4.Writer
	sendClosed atomic.Bool

	deliver    func(Command)      // set by Bind
	recvFailed func(cause error)  // end-of-stream or transport failure
	wg         sync.WaitGroup
}

const transportRecvQ = 256 * cos.KiB

func NewCommandTransport(name string, own Capability, fr *FlightRecorder) *CommandTransport {
	return &CommandTransport{
		name:   name,
		own:    own,
		fr:     fr,
		peerCh: make(chan Capability, 1),
		recvq:  cos.NewFifoBuf(transportRecvQ),
	}
}

// Bind attaches the assembled stack and the channel callbacks, writes this
// side's capability, and blocks until the peer's arrives. Returns the
// negotiated peer capability.
func (tr *CommandTransport) Bind(stack *protostack.Stack, deliver func(Command), recvFailed func(error)) (Capability, error) {
	tr.stack = stack
	tr.deliver = deliver
	tr.recvFailed = recvFailed

	// capability travels inside a single chunk, before anything else
	if err := stack.Send(AppendFrames(nil, EncodeCapability(tr.own))); err != nil {
		return 0, err
	}
	tr.wg.Add(1)
	go tr.recvLoop()

	peer, ok := <-tr.peerCh
	if !ok {
		return 0, NewErrClosed(tr.name, errCapExchange)
	}
	tr.peerCap = peer
	if tr.compressed() {
		tr.sendMu.Lock()
		tr.lzw = lz4.NewWriter(stackWriter{stack})
		tr.sendMu.Unlock()
		nlog.Infof("%s: lz4 stream compression on", tr.name)
	}
	return peer, nil
}

func (tr *CommandTransport) compressed() bool {
	return tr.own.Has(CapCompress) && tr.peerCap.Has(CapCompress)
}

// Send frames and writes one command. The transport keeps a single send
// path, so commands are observed by the peer in send order; once the close
// command went out nothing else is admitted.
func (tr *CommandTransport) Send(cmd Command) error {
	tr.sendMu.Lock()
	defer tr.sendMu.Unlock()
	if tr.sendClosed.Load() {
		return NewErrClosed(tr.name, nil)
	}
	if cmd.opcode() == opClose {
		tr.sendClosed.Store(true)
	}
	framed := AppendFrames(nil, MarshalCommand(cmd))
	if tr.lzw != nil {
		if _, err := tr.lzw.Write(framed); err != nil {
			return err
		}
		return tr.lzw.Flush()
	}
	return tr.stack.Send(framed)
}

// CloseSend releases the send side after the final command.
func (tr *CommandTransport) CloseSend() {
	tr.sendMu.Lock()
	tr.sendClosed.Store(true)
	if tr.lzw != nil {
		tr.lzw.Close()
		tr.lzw = nil
	}
	tr.sendMu.Unlock()
	tr.stack.CloseSend()
}

// Abort tears the stack down (unorderly path).
func (tr *CommandTransport) Abort(cause error) {
	tr.stack.Abort(cause)
}

// Release quietly frees the stack after an orderly shutdown.
func (tr *CommandTransport) Release() {
	tr.stack.Close()
}

//
// protostack.App
//

func (tr *CommandTransport) RecvFromStack(b []byte) {
	tr.fr.Record(b)
	// blocking write backpressures the stack when the decoder lags
	if _, err := tr.recvq.Write(b); err != nil && !cos.IsEOF(err) {
		nlog.Warningf("%s: dropping %dB: %v", tr.name, len(b), err)
	}
}

func (tr *CommandTransport) RecvClosed(cause error) {
	if tr.recvEOF.CAS(false, true) {
		if cause == nil {
			cause = io.EOF
		}
		tr.recvq.CloseWithErr(cause)
	}
}

func (tr *CommandTransport) Aborted(cause error) {
	if tr.recvEOF.CAS(false, true) {
		tr.recvq.CloseWithErr(cause)
	}
}

//
// receive pipeline: recvq -> (lz4) -> defrag -> commands
//

var errCapExchange = io.ErrUnexpectedEOF

func (tr *CommandTransport) recvLoop() {
	defer tr.wg.Done()
	src := fifoReader{tr.recvq}

	// the capability chunk is parsed by hand, before the (possibly
	// compressed) command stream begins
	peer, err := tr.readCapability(src)
	if err != nil {
		tr.finishRecv(err, false)
		return
	}
	tr.peerCh <- peer

	var rd io.Reader = src
	if tr.own.Has(CapCompress) && peer.Has(CapCompress) {
		rd = lz4.NewReader(src)
	}
	defrag := NewDefrag(func(payload []byte) error {
		cmd, derr := UnmarshalCommand(payload)
		if derr != nil {
			return derr
		}
		tr.deliver(cmd)
		return nil
	})
	scratch := make([]byte, 32*cos.KiB)
	for {
		n, rerr := rd.Read(scratch)
		if n > 0 {
			if perr := defrag.Feed(scratch[:n]); perr != nil {
				nlog.Errorf("%s: protocol corruption: %v", tr.name, perr)
				tr.finishRecv(perr, true)
				return
			}
		}
		if rerr != nil {
			if cos.IsEOF(rerr) && !defrag.Pending() {
				rerr = nil // clean end-of-stream between commands
			} else if cos.IsEOF(rerr) {
				debug.Assert(defrag.Pending())
				rerr = io.ErrUnexpectedEOF
			}
			tr.finishRecv(rerr, true)
			return
		}
	}
}

func (tr *CommandTransport) readCapability(src io.Reader) (Capability, error) {
	var hdr [chunkHdrL]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return 0, err
	}
	h := binary.BigEndian.Uint16(hdr[:])
	if h&moreBit != 0 {
		return 0, errors.New("capability: multi-chunk preamble")
	}
	body := make([]byte, h)
	if _, err := io.ReadFull(src, body); err != nil {
		return 0, err
	}
	return DecodeCapability(body)
}

func (tr *CommandTransport) finishRecv(cause error, gotCap bool) {
	if !gotCap {
		close(tr.peerCh)
	}
	tr.recvFailed(cause)
}

// fifoReader adapts the blocking FifoBuf read to io.Reader.
type fifoReader struct{ q *cos.FifoBuf }

func (r fifoReader) Read(p []byte) (int, error) { return r.q.Read(p) }

// stackWriter adapts the downward stack path to io.Writer for lz4.
type stackWriter struct{ s *protostack.Stack }

func (w stackWriter) Write(p []byte) (int, error) {
	if err := w.s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
