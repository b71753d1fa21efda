// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Capability is the feature bitfield both sides exchange before any
// command flows. Unknown bits are preserved (a newer peer may set them).
type Capability uint64

const (
	CapChunked Capability = 1 << iota // chunked command framing
	CapMultiLoader                    // multi-classloader RPC
	CapPipeThrottle                   // window-based pipe flow control
	CapNIOSocket                      // hub-managed nonblocking transport
	CapCompress                       // lz4 whole-stream compression
)

// OwnCapability is what this implementation supports (compression is added
// per-config at transport construction).
const OwnCapability = CapChunked | CapMultiLoader | CapPipeThrottle | CapNIOSocket

const capPreamble = "rmt-cap:"

func (c Capability) Has(bit Capability) bool { return c&bit != 0 }

var capNames = []struct {
	bit  Capability
	name string
}{
	{CapChunked, "chunked"}, {CapMultiLoader, "multiloader"},
	{CapPipeThrottle, "throttle"}, {CapNIOSocket, "nio"}, {CapCompress, "lz4"},
}

func (c Capability) String() string {
	var parts []string
	for _, cn := range capNames {
		if c.Has(cn.bit) {
			parts = append(parts, cn.name)
		}
	}
	return "cap{" + strings.Join(parts, ",") + "}"
}

// EncodeCapability produces the wire payload: a length-prefixed UTF-8
// string decoding to the bitfield. Travels inside a single chunk.
func EncodeCapability(c Capability) []byte {
	s := capPreamble + strconv.FormatUint(uint64(c), 16)
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

// DecodeCapability parses the payload produced by EncodeCapability.
func DecodeCapability(b []byte) (Capability, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("capability: short payload (%d bytes)", len(b))
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) != 2+n {
		return 0, fmt.Errorf("capability: length mismatch (%d != %d)", len(b)-2, n)
	}
	s := string(b[2:])
	if !strings.HasPrefix(s, capPreamble) {
		return 0, fmt.Errorf("capability: bad preamble %q", cosHead(s))
	}
	v, err := strconv.ParseUint(s[len(capPreamble):], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("capability: %v", err)
	}
	return Capability(v), nil
}

func cosHead(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
