// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

const (
	protoPrefix = "Protocol:"
	protoAck    = "OK"

	// the protocol name length is not meaningfully unbounded; cap it to
	// prevent abuse
	maxProtoName = 256

	maxHandshakeStr = 1 << 20 // headers can carry cookies and certs
)

// ErrRefusal is the handshake-level rejection; Reason is the peer's string
// when available.
type ErrRefusal struct {
	Reason string
}

func (e *ErrRefusal) Error() string { return "connection refused: " + e.Reason }

// strCodec accumulates 2-byte-length-prefixed UTF-8 strings from a byte
// stream. All handshake traffic, on both sides, uses this form.
type strCodec struct {
	buf []byte
	max int
}

func (c *strCodec) feed(b []byte) { c.buf = append(c.buf, b...) }

// next pops one complete string, or returns ("", false).
func (c *strCodec) next() (string, bool, error) {
	if len(c.buf) < 2 {
		return "", false, nil
	}
	n := int(binary.BigEndian.Uint16(c.buf))
	if n > c.max {
		return "", false, fmt.Errorf("handshake string too long (%d > %d)", n, c.max)
	}
	if len(c.buf) < 2+n {
		return "", false, nil
	}
	s := string(c.buf[2 : 2+n])
	c.buf = c.buf[2+n:]
	return s, true, nil
}

// rest returns whatever trails the handshake strings (application bytes
// that arrived in the same read).
func (c *strCodec) rest() []byte {
	b := c.buf
	c.buf = nil
	return b
}

func encodeStr(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

// ProtoClientFilter writes "Protocol:<name>" on start and buffers all
// outgoing application data until the peer acknowledges the protocol; then
// it flushes and completes. A non-acknowledgement aborts the stack with a
// refusal.
type ProtoClientFilter struct {
	ctl   *Ctl
	name  string
	codec strCodec

	mu      sync.Mutex
	flushed bool
	sendQ   [][]byte
}

func NewProtoClientFilter(name string) *ProtoClientFilter {
	return &ProtoClientFilter{name: name}
}

func (f *ProtoClientFilter) Init(ctl *Ctl) {
	f.ctl = ctl
	f.codec.max = maxHandshakeStr
}

func (f *ProtoClientFilter) Start() error {
	if len(f.name) > maxProtoName {
		return fmt.Errorf("protocol name exceeds %d bytes", maxProtoName)
	}
	return f.ctl.PassDown(encodeStr(protoPrefix + f.name))
}

func (f *ProtoClientFilter) OnRecv(b []byte) error {
	f.codec.feed(b)
	resp, ok, err := f.codec.next()
	if err != nil {
		f.ctl.Abort(err)
		return err
	}
	if !ok {
		return nil
	}
	if resp != protoAck {
		err := &ErrRefusal{Reason: resp}
		f.ctl.Abort(err)
		return err
	}
	nlog.Infof("protocol %q acknowledged", f.name)
	// flush under the same lock that gates DoSend, so a send racing the
	// acknowledgement cannot overtake (or get stranded behind) the queue
	f.mu.Lock()
	q := f.sendQ
	f.sendQ = nil
	f.flushed = true
	ferr := f.ctl.FlushSend(q)
	f.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	rest := f.codec.rest()
	f.ctl.Completed()
	if len(rest) > 0 {
		return f.ctl.FlushRecv([][]byte{rest})
	}
	return nil
}

func (f *ProtoClientFilter) DoSend(b []byte) error {
	f.mu.Lock()
	if f.flushed {
		f.mu.Unlock()
		return f.ctl.PassDown(b)
	}
	f.sendQ = append(f.sendQ, append([]byte(nil), b...))
	f.mu.Unlock()
	return nil
}

func (f *ProtoClientFilter) OnRecvClosed(cause error) {
	if cause == nil {
		cause = &ErrRefusal{Reason: "connection closed before protocol acknowledgement"}
	}
	f.ctl.Abort(cause)
}

func (f *ProtoClientFilter) DoCloseSend() { f.ctl.PassDownCloseSend() }

// ProtoServerFilter expects "Protocol:<name>", matches the name against the
// served set, replies with the acknowledgement or a refusal string, and
// completes (buffering outgoing application data until then).
type ProtoServerFilter struct {
	ctl    *Ctl
	served map[string]bool
	codec  strCodec

	mu      sync.Mutex
	flushed bool
	sendQ   [][]byte
}

func NewProtoServerFilter(names ...string) *ProtoServerFilter {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return &ProtoServerFilter{served: m}
}

func (f *ProtoServerFilter) Init(ctl *Ctl) {
	f.ctl = ctl
	f.codec.max = maxHandshakeStr
}

func (*ProtoServerFilter) Start() error { return nil }

func (f *ProtoServerFilter) OnRecv(b []byte) error {
	f.codec.feed(b)
	req, ok, err := f.codec.next()
	if err != nil {
		f.ctl.Abort(err)
		return err
	}
	if !ok {
		return nil
	}
	name, valid := trimProto(req)
	if !valid || !f.served[name] {
		reason := fmt.Sprintf("unknown protocol %q", cos.Left(req, 64))
		_ = f.ctl.PassDown(encodeStr(reason))
		err := &ErrRefusal{Reason: reason}
		f.ctl.Abort(err)
		return err
	}
	if err := f.ctl.PassDown(encodeStr(protoAck)); err != nil {
		return err
	}
	f.mu.Lock()
	q := f.sendQ
	f.sendQ = nil
	f.flushed = true
	ferr := f.ctl.FlushSend(q)
	f.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	rest := f.codec.rest()
	f.ctl.Completed()
	if len(rest) > 0 {
		return f.ctl.FlushRecv([][]byte{rest})
	}
	return nil
}

func (f *ProtoServerFilter) DoSend(b []byte) error {
	f.mu.Lock()
	if f.flushed {
		f.mu.Unlock()
		return f.ctl.PassDown(b)
	}
	f.sendQ = append(f.sendQ, append([]byte(nil), b...))
	f.mu.Unlock()
	return nil
}

func (f *ProtoServerFilter) OnRecvClosed(cause error) {
	if cause == nil {
		cause = &ErrRefusal{Reason: "connection closed before protocol request"}
	}
	f.ctl.Abort(cause)
}

func (f *ProtoServerFilter) DoCloseSend() { f.ctl.PassDownCloseSend() }

func trimProto(req string) (name string, ok bool) {
	if len(req) <= len(protoPrefix) || req[:len(protoPrefix)] != protoPrefix {
		return "", false
	}
	name = req[len(protoPrefix):]
	return name, len(name) <= maxProtoName
}
