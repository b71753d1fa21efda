// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
	"github.com/jenkinsci/remoting-sub008/tools/trand"
)

func TestFrameRoundTrip(t *testing.T) {
	random := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 100, maxChunk - 1, maxChunk, maxChunk + 1, 2 * maxChunk, 2*maxChunk + 7}
	for _, size := range sizes {
		payload := trand.Bytes(random, size)
		framed := AppendFrames(nil, payload)
		tassert.Errorf(t, len(framed) == FramedSize(size), "size %d: framed %d != %d",
			size, len(framed), FramedSize(size))

		var out [][]byte
		d := NewDefrag(func(p []byte) error { out = append(out, p); return nil })
		// feed in awkward slices to exercise header splits
		for off := 0; off < len(framed); {
			n := min(1+random.Intn(5), len(framed)-off)
			tassert.CheckFatal(t, d.Feed(framed[off:off+n]))
			off += n
		}
		tassert.Fatalf(t, len(out) == 1, "size %d: %d commands decoded", size, len(out))
		tassert.Fatalf(t, bytes.Equal(out[0], payload), "size %d: payload mismatch", size)
		tassert.Fatalf(t, !d.Pending(), "size %d: decoder left mid-command", size)
	}
}

// a payload of exactly one frame must end with a full more=1 chunk followed
// by the zero-length end-of-command marker
func TestFrameExactFill(t *testing.T) {
	payload := make([]byte, maxChunk)
	framed := AppendFrames(nil, payload)

	h1 := binary.BigEndian.Uint16(framed)
	tassert.Fatalf(t, h1 == moreBit|maxChunk, "first header %#x", h1)
	h2 := binary.BigEndian.Uint16(framed[chunkHdrL+maxChunk:])
	tassert.Fatalf(t, h2 == 0, "terminator header %#x", h2)
	tassert.Fatalf(t, len(framed) == 2*chunkHdrL+maxChunk, "framed size %d", len(framed))
}

func TestFrameBackToBack(t *testing.T) {
	var buf []byte
	buf = AppendFrames(buf, []byte("first"))
	buf = AppendFrames(buf, nil) // zero-length command
	buf = AppendFrames(buf, []byte("third"))

	var out [][]byte
	d := NewDefrag(func(p []byte) error { out = append(out, append([]byte(nil), p...)); return nil })
	tassert.CheckFatal(t, d.Feed(buf))
	tassert.Fatalf(t, len(out) == 3, "decoded %d commands", len(out))
	tassert.Errorf(t, string(out[0]) == "first", "cmd 0: %q", out[0])
	tassert.Errorf(t, len(out[1]) == 0, "cmd 1: %d bytes", len(out[1]))
	tassert.Errorf(t, string(out[2]) == "third", "cmd 2: %q", out[2])
}
