// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"testing"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

func TestCommandCodec(t *testing.T) {
	cmds := []Command{
		NewUserRequest(42, "op.ping", []byte("payload")),
		NewUserRequest(43, "op.empty", nil), // a 0-byte argument must round-trip
		NewResponse(42, []byte("pong")),
		NewErrResponse(44, "SomeError", "boom", []string{"a.go:1", "b.go:2"}),
		NewRPCRequest(45, 6, "fetch", []byte("klass")),
		NewDgcRequest(DgcRelease, 6, 3),
		NewCancelRequest(45),
		NewPipeWrite(8, []byte{0, 1, 2}),
		NewPipeEOF(8),
		NewPipeAck(8, 512),
		NewPipeError(8, "reader went away"),
		NewCloseCmd("local close"),
	}
	for _, cmd := range cmds {
		b := MarshalCommand(cmd)
		back, err := UnmarshalCommand(b)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, back.opcode() == cmd.opcode(), "opcode drift %d != %d",
			back.opcode(), cmd.opcode())
		tassert.Errorf(t, back.Trace() != "", "creation trace lost for opcode %d", cmd.opcode())
	}

	// spot-check the interesting payloads
	b := MarshalCommand(NewErrResponse(44, "SomeError", "boom", []string{"a.go:1"}))
	back, err := UnmarshalCommand(b)
	tassert.CheckFatal(t, err)
	resp := back.(*Response)
	tassert.Fatalf(t, resp.IsErr && resp.ErrMsg == "boom" && len(resp.ErrStack) == 1,
		"error response mangled: %+v", resp)

	_, err = UnmarshalCommand(append(MarshalCommand(NewPipeEOF(1)), 0xc0))
	tassert.Fatalf(t, err != nil, "trailing garbage accepted")
	_, err = UnmarshalCommand([]byte{99})
	tassert.Fatalf(t, err != nil, "unknown opcode accepted")
}
