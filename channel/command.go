// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"fmt"
	"runtime"

	"github.com/tinylib/msgp/msgp"
)

// Command is the unit of the wire protocol; one command per framed payload.
// Every command carries its creation site for post-mortem diagnostics.
type Command interface {
	opcode() byte
	// append the body (everything after the opcode byte and trace)
	encode(b []byte) []byte
	// parse the body; returns the unconsumed remainder
	decode(b []byte) ([]byte, error)
	Trace() string
	setTrace(s string)
}

const (
	opUserRequest byte = iota + 1
	opResponse
	opRPCRequest
	opDgc
	opPipeWrite
	opPipeEOF
	opPipeAck
	opPipeError
	opClose
)

// DGC verbs
const (
	DgcAddRef byte = iota + 1
	DgcRelease
	DgcPing
	DgcCancel
)

type cmdBase struct {
	trace string
}

func (c *cmdBase) Trace() string     { return c.trace }
func (c *cmdBase) setTrace(s string) { c.trace = s }

// stamp records the creation site two frames up (the New* constructor's
// caller).
func (c *cmdBase) stamp() {
	if _, fn, ln, ok := runtime.Caller(2); ok {
		c.trace = fmt.Sprintf("%s:%d", fn, ln)
	}
}

type (
	// UserRequest executes a named user operation on the peer.
	UserRequest struct {
		cmdBase
		ReqID int64
		Op    string
		Body  []byte
	}

	// Response carries the result - or the thrown failure - for an
	// earlier request id.
	Response struct {
		cmdBase
		ReqID    int64
		Body     []byte
		IsErr    bool
		ErrName  string
		ErrMsg   string
		ErrStack []string
	}

	// RPCRequest invokes a method on an exported object.
	RPCRequest struct {
		cmdBase
		ReqID  int64
		OID    int32
		Method string
		Body   []byte
	}

	// DgcRequest adjusts exported reference counts (or best-effort
	// cancels an in-flight request, with Verb == DgcCancel).
	DgcRequest struct {
		cmdBase
		Verb  byte
		OID   int32
		Delta int64
		ReqID int64 // cancel only
	}

	PipeWrite struct {
		cmdBase
		OID  int32
		Data []byte
	}

	PipeEOF struct {
		cmdBase
		OID int32
	}

	PipeAck struct {
		cmdBase
		OID   int32
		Delta int32
	}

	PipeError struct {
		cmdBase
		OID int32
		Msg string
	}

	// CloseCmd is the FIN of the close protocol - always the last command
	// written on a stream.
	CloseCmd struct {
		cmdBase
		Reason string
	}
)

func NewUserRequest(reqID int64, op string, body []byte) *UserRequest {
	c := &UserRequest{ReqID: reqID, Op: op, Body: body}
	c.stamp()
	return c
}

func NewResponse(reqID int64, body []byte) *Response {
	c := &Response{ReqID: reqID, Body: body}
	c.stamp()
	return c
}

func NewErrResponse(reqID int64, name, msg string, frames []string) *Response {
	c := &Response{ReqID: reqID, IsErr: true, ErrName: name, ErrMsg: msg, ErrStack: frames}
	c.stamp()
	return c
}

func NewRPCRequest(reqID int64, oid int32, method string, body []byte) *RPCRequest {
	c := &RPCRequest{ReqID: reqID, OID: oid, Method: method, Body: body}
	c.stamp()
	return c
}

func NewDgcRequest(verb byte, oid int32, delta int64) *DgcRequest {
	c := &DgcRequest{Verb: verb, OID: oid, Delta: delta}
	c.stamp()
	return c
}

func NewCancelRequest(reqID int64) *DgcRequest {
	c := &DgcRequest{Verb: DgcCancel, ReqID: reqID}
	c.stamp()
	return c
}

func NewPipeWrite(oid int32, data []byte) *PipeWrite {
	c := &PipeWrite{OID: oid, Data: data}
	c.stamp()
	return c
}

func NewPipeEOF(oid int32) *PipeEOF {
	c := &PipeEOF{OID: oid}
	c.stamp()
	return c
}

func NewPipeAck(oid int32, delta int32) *PipeAck {
	c := &PipeAck{OID: oid, Delta: delta}
	c.stamp()
	return c
}

func NewPipeError(oid int32, msg string) *PipeError {
	c := &PipeError{OID: oid, Msg: msg}
	c.stamp()
	return c
}

func NewCloseCmd(reason string) *CloseCmd {
	c := &CloseCmd{Reason: reason}
	c.stamp()
	return c
}

//
// wire codec: [opcode:1][trace:str][body...], msgp-encoded fields
//

// MarshalCommand serializes cmd into a fresh buffer.
func MarshalCommand(cmd Command) []byte {
	b := make([]byte, 1, 64)
	b[0] = cmd.opcode()
	b = msgp.AppendString(b, cmd.Trace())
	return cmd.encode(b)
}

// UnmarshalCommand parses one framed payload back into a typed command.
func UnmarshalCommand(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	var cmd Command
	switch payload[0] {
	case opUserRequest:
		cmd = &UserRequest{}
	case opResponse:
		cmd = &Response{}
	case opRPCRequest:
		cmd = &RPCRequest{}
	case opDgc:
		cmd = &DgcRequest{}
	case opPipeWrite:
		cmd = &PipeWrite{}
	case opPipeEOF:
		cmd = &PipeEOF{}
	case opPipeAck:
		cmd = &PipeAck{}
	case opPipeError:
		cmd = &PipeError{}
	case opClose:
		cmd = &CloseCmd{}
	default:
		return nil, fmt.Errorf("unknown command opcode %d", payload[0])
	}
	trace, rest, err := msgp.ReadStringBytes(payload[1:])
	if err != nil {
		return nil, fmt.Errorf("command trace: %v", err)
	}
	cmd.setTrace(trace)
	if rest, err = cmd.decode(rest); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after opcode-%d command", len(rest), payload[0])
	}
	return cmd, nil
}

func (*UserRequest) opcode() byte { return opUserRequest }

func (c *UserRequest) encode(b []byte) []byte {
	b = msgp.AppendInt64(b, c.ReqID)
	b = msgp.AppendString(b, c.Op)
	return msgp.AppendBytes(b, c.Body)
}

func (c *UserRequest) decode(b []byte) (_ []byte, err error) {
	if c.ReqID, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return
	}
	if c.Op, b, err = msgp.ReadStringBytes(b); err != nil {
		return
	}
	c.Body, b, err = msgp.ReadBytesBytes(b, nil)
	return b, err
}

func (c *UserRequest) String() string {
	return fmt.Sprintf("UserRequest[%d, %s, %dB]", c.ReqID, c.Op, len(c.Body))
}

func (*Response) opcode() byte { return opResponse }

func (c *Response) encode(b []byte) []byte {
	b = msgp.AppendInt64(b, c.ReqID)
	b = msgp.AppendBool(b, c.IsErr)
	if c.IsErr {
		b = msgp.AppendString(b, c.ErrName)
		b = msgp.AppendString(b, c.ErrMsg)
		b = msgp.AppendArrayHeader(b, uint32(len(c.ErrStack)))
		for _, fr := range c.ErrStack {
			b = msgp.AppendString(b, fr)
		}
		return b
	}
	return msgp.AppendBytes(b, c.Body)
}

func (c *Response) decode(b []byte) (_ []byte, err error) {
	if c.ReqID, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return
	}
	if c.IsErr, b, err = msgp.ReadBoolBytes(b); err != nil {
		return
	}
	if !c.IsErr {
		c.Body, b, err = msgp.ReadBytesBytes(b, nil)
		return b, err
	}
	if c.ErrName, b, err = msgp.ReadStringBytes(b); err != nil {
		return
	}
	if c.ErrMsg, b, err = msgp.ReadStringBytes(b); err != nil {
		return
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	c.ErrStack = make([]string, n)
	for i := range c.ErrStack {
		if c.ErrStack[i], b, err = msgp.ReadStringBytes(b); err != nil {
			return
		}
	}
	return b, nil
}

func (c *Response) String() string {
	if c.IsErr {
		return fmt.Sprintf("Response[%d, err %s]", c.ReqID, c.ErrName)
	}
	return fmt.Sprintf("Response[%d, %dB]", c.ReqID, len(c.Body))
}

func (*RPCRequest) opcode() byte { return opRPCRequest }

func (c *RPCRequest) encode(b []byte) []byte {
	b = msgp.AppendInt64(b, c.ReqID)
	b = msgp.AppendInt32(b, c.OID)
	b = msgp.AppendString(b, c.Method)
	return msgp.AppendBytes(b, c.Body)
}

func (c *RPCRequest) decode(b []byte) (_ []byte, err error) {
	if c.ReqID, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return
	}
	if c.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	if c.Method, b, err = msgp.ReadStringBytes(b); err != nil {
		return
	}
	c.Body, b, err = msgp.ReadBytesBytes(b, nil)
	return b, err
}

func (c *RPCRequest) String() string {
	return fmt.Sprintf("RpcRequest[%d, oid=%d, %s]", c.ReqID, c.OID, c.Method)
}

func (*DgcRequest) opcode() byte { return opDgc }

func (c *DgcRequest) encode(b []byte) []byte {
	b = msgp.AppendByte(b, c.Verb)
	b = msgp.AppendInt32(b, c.OID)
	b = msgp.AppendInt64(b, c.Delta)
	return msgp.AppendInt64(b, c.ReqID)
}

func (c *DgcRequest) decode(b []byte) (_ []byte, err error) {
	if c.Verb, b, err = msgp.ReadByteBytes(b); err != nil {
		return
	}
	if c.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	if c.Delta, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return
	}
	c.ReqID, b, err = msgp.ReadInt64Bytes(b)
	return b, err
}

func (*PipeWrite) opcode() byte { return opPipeWrite }

func (c *PipeWrite) encode(b []byte) []byte {
	b = msgp.AppendInt32(b, c.OID)
	return msgp.AppendBytes(b, c.Data)
}

func (c *PipeWrite) decode(b []byte) (_ []byte, err error) {
	if c.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	c.Data, b, err = msgp.ReadBytesBytes(b, nil)
	return b, err
}

func (*PipeEOF) opcode() byte { return opPipeEOF }

func (c *PipeEOF) encode(b []byte) []byte { return msgp.AppendInt32(b, c.OID) }

func (c *PipeEOF) decode(b []byte) (_ []byte, err error) {
	c.OID, b, err = msgp.ReadInt32Bytes(b)
	return b, err
}

func (*PipeAck) opcode() byte { return opPipeAck }

func (c *PipeAck) encode(b []byte) []byte {
	b = msgp.AppendInt32(b, c.OID)
	return msgp.AppendInt32(b, c.Delta)
}

func (c *PipeAck) decode(b []byte) (_ []byte, err error) {
	if c.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	c.Delta, b, err = msgp.ReadInt32Bytes(b)
	return b, err
}

func (*PipeError) opcode() byte { return opPipeError }

func (c *PipeError) encode(b []byte) []byte {
	b = msgp.AppendInt32(b, c.OID)
	return msgp.AppendString(b, c.Msg)
}

func (c *PipeError) decode(b []byte) (_ []byte, err error) {
	if c.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	c.Msg, b, err = msgp.ReadStringBytes(b)
	return b, err
}

func (*CloseCmd) opcode() byte { return opClose }

func (c *CloseCmd) encode(b []byte) []byte { return msgp.AppendString(b, c.Reason) }

func (c *CloseCmd) decode(b []byte) (_ []byte, err error) {
	c.Reason, b, err = msgp.ReadStringBytes(b)
	return b, err
}

func (c *CloseCmd) String() string { return "Close[" + c.Reason + "]" }
