// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/jenkinsci/remoting-sub008/cmn/debug"
)

// Wire framing: a command is one or more chunks
//
//	chunk  := header:2 body:len
//	header := (more:1 bit) || (len:15 bits, big-endian)
//
// A command ends on a chunk whose more bit is zero. A full-size final body
// chunk is followed by a zero-length terminator chunk, so the decoder never
// needs lookahead.
const (
	maxChunk  = 0x7fff
	moreBit   = 0x8000
	chunkHdrL = 2
)

// AppendFrames appends the framed form of payload to dst and returns it.
func AppendFrames(dst, payload []byte) []byte {
	for len(payload) >= maxChunk {
		dst = binary.BigEndian.AppendUint16(dst, moreBit|maxChunk)
		dst = append(dst, payload[:maxChunk]...)
		payload = payload[maxChunk:]
	}
	// final chunk with more=0; zero-length when the last body chunk filled
	// the frame exactly (the end-of-command marker)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	return dst
}

// FramedSize returns the on-wire size of a payload of length l.
func FramedSize(l int) int {
	nchunks := l/maxChunk + 1
	return l + (nchunks)*chunkHdrL
}

// Defrag is the streaming chunk decoder; Feed accepts arbitrary byte
// slices and invokes deliver once per completed command.
type Defrag struct {
	deliver func(payload []byte) error

	hdr  [chunkHdrL]byte
	hn   int
	need int // body bytes still missing from the current chunk
	fin  bool
	cmd  []byte
	open bool // a command is being accumulated
}

func NewDefrag(deliver func(payload []byte) error) *Defrag {
	return &Defrag{deliver: deliver}
}

func (d *Defrag) Feed(b []byte) error {
	for len(b) > 0 {
		if d.need == 0 && !d.fin {
			// collecting a header
			n := copy(d.hdr[d.hn:], b)
			d.hn += n
			b = b[n:]
			if d.hn < chunkHdrL {
				return nil
			}
			h := binary.BigEndian.Uint16(d.hdr[:])
			d.hn = 0
			d.need = int(h &^ moreBit)
			d.fin = h&moreBit == 0
			d.open = true
			if d.need == 0 {
				if err := d.endChunk(); err != nil {
					return err
				}
			}
			continue
		}
		n := min(d.need, len(b))
		d.cmd = append(d.cmd, b[:n]...)
		b = b[n:]
		d.need -= n
		if d.need == 0 {
			if err := d.endChunk(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Defrag) endChunk() error {
	debug.Assert(d.open)
	if !d.fin {
		return nil // more chunks of the same command follow
	}
	payload := d.cmd
	d.cmd = nil
	d.open = false
	d.fin = false
	return d.deliver(payload)
}

// Pending reports whether a partial command is buffered (used by the close
// path to detect mid-command truncation).
func (d *Defrag) Pending() bool { return d.open || d.hn > 0 }

func (d *Defrag) String() string {
	return fmt.Sprintf("defrag[buffered=%d need=%d]", len(d.cmd), d.need)
}
