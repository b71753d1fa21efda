// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"errors"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/tinylib/msgp/msgp"
)

var errPipeDied = errors.New("remote reader died")

// pipeChunk caps a single PipeWriteCommand body; a large write becomes a
// sequence of commands, strictly ordered like everything else on the
// channel.
const pipeChunk = 16 * cos.KiB

// Pipe is a unidirectional byte stream between the two processes. The
// reader side owns the OID and a FifoBuffer; the writer side holds the
// PipeWindow. Exactly one writer and one reader per pipe; EOF is in-band
// and final.
type Pipe struct {
	ch  *Channel
	oid int32

	// reader side
	in *cos.FifoBuf

	// writer side
	win      *PipeWindow
	wclosed  atomic.Bool
	isWriter bool
}

// CreateRemoteToLocal builds the local (reader) half: bytes will flow from
// the peer to this side. Ship OID() to the peer (inside an operation body)
// and have it call AttachWriter.
func CreateRemoteToLocal(ch *Channel) *Pipe {
	p := &Pipe{ch: ch, in: cos.NewFifoBuf(ch.cfg.PipeWindow)}
	p.oid = ch.registerPipe(p)
	return p
}

// CreateLocalToRemote builds the local (writer) half: the peer allocates
// the reader and returns its OID through the built-in connect operation.
func CreateLocalToRemote(ch *Channel) (*Pipe, error) {
	body, err := ch.Call(opPipeConnect, nil)
	if err != nil {
		return nil, err
	}
	oid, _, err := msgp.ReadInt32Bytes(body)
	if err != nil {
		return nil, err
	}
	return AttachWriter(ch, oid), nil
}

// AttachWriter builds the writer half for a reader OID received from the
// peer.
func AttachWriter(ch *Channel, oid int32) *Pipe {
	throttle := ch.PeerCapability().Has(CapPipeThrottle)
	p := &Pipe{
		ch:       ch,
		oid:      oid,
		win:      NewPipeWindow(ch.cfg.PipeWindow, throttle),
		isWriter: true,
	}
	ch.registerPipeWriter(p)
	return p
}

func (p *Pipe) OID() int32 { return p.oid }

// WindowStats exposes the writer-side window counters (zeroes on the
// reader side).
func (p *Pipe) WindowStats() (initial, avail int, written, acked int64) {
	if p.win == nil {
		return 0, 0, 0, 0
	}
	return p.win.Stats()
}

//
// writer side
//

// Write blocks cooperatively on window credit; bytes emitted in write
// order arrive in write order.
func (p *Pipe) Write(b []byte) (n int, err error) {
	if !p.isWriter {
		return 0, &ErrState{What: "write on the reader side of a pipe"}
	}
	if p.wclosed.Load() {
		return 0, &ErrPipeClosed{Cause: p.win.Dead()}
	}
	for len(b) > 0 {
		want := min(len(b), pipeChunk)
		got, aerr := p.win.Acquire(want)
		if aerr != nil {
			return n, aerr
		}
		if serr := p.ch.send(NewPipeWrite(p.oid, b[:got])); serr != nil {
			p.win.Die(serr)
			return n, &ErrPipeClosed{Cause: serr}
		}
		b = b[got:]
		n += got
	}
	return n, nil
}

// CloseWrite sends the in-band EOF - the final event on the pipe.
func (p *Pipe) CloseWrite() error {
	if !p.isWriter || !p.wclosed.CAS(false, true) {
		return nil
	}
	p.ch.unregisterPipeWriter(p)
	return p.ch.send(NewPipeEOF(p.oid))
}

// CloseWithError propagates a writer-side failure to the reader.
func (p *Pipe) CloseWithError(cause error) error {
	if !p.isWriter || !p.wclosed.CAS(false, true) {
		return nil
	}
	p.ch.unregisterPipeWriter(p)
	return p.ch.send(NewPipeError(p.oid, cause.Error()))
}

//
// reader side
//

// Read drains buffered bytes, blocking while the pipe is open and empty;
// after EOF the remainder drains and then io.EOF (or the peer's recorded
// error) is raised. Consumed bytes are acked back asynchronously.
func (p *Pipe) Read(b []byte) (int, error) {
	if p.isWriter {
		return 0, &ErrState{What: "read on the writer side of a pipe"}
	}
	n, err := p.in.Read(b)
	if n > 0 {
		p.sendAck(int32(n))
	}
	return n, err
}

// sendAck is best-effort: on a closing channel the failure is logged and
// swallowed.
func (p *Pipe) sendAck(n int32) {
	p.ch.exec(func() {
		if err := p.ch.send(NewPipeAck(p.oid, n)); err != nil {
			nlog.Warningf("%s: pipe oid=%d: ack %dB: %v", p.ch.name, p.oid, n, err)
		}
	})
}

// Close on the reader side releases the OID; a writer that keeps going
// gets pipe errors back.
func (p *Pipe) Close() error {
	if p.isWriter {
		return p.CloseWrite()
	}
	p.ch.unregisterPipe(p.oid)
	p.in.Close()
	return nil
}

//
// inbound command handlers (invoked by the channel dispatcher)
//

func (p *Pipe) onWrite(data []byte) {
	// the fifo is sized to the window, so an overflow means the peer is
	// ignoring the credit protocol
	n, err := p.in.TryWrite(data)
	if err != nil || n < len(data) {
		nlog.Warningf("%s: pipe oid=%d overflow (%d/%dB); severing",
			p.ch.name, p.oid, n, len(data))
		p.in.CloseWithErr(errors.New("pipe flow-control violation"))
		p.ch.unregisterPipe(p.oid)
	}
}

func (p *Pipe) onEOF() {
	p.in.Close()
	p.ch.unregisterPipe(p.oid)
}

func (p *Pipe) onError(msg string) {
	p.in.CloseWithErr(&ErrPipeClosed{Cause: errors.New(msg)})
	p.ch.unregisterPipe(p.oid)
}
