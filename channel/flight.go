// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"sync"
)

// FlightRecorder keeps the most recent raw bytes read off the transport in
// a fixed ring; the ring is dumped with the channel-close event to aid
// post-mortem of protocol corruption.
type FlightRecorder struct {
	mu   sync.Mutex
	ring []byte
	w    int
	full bool
}

func NewFlightRecorder(size int) *FlightRecorder {
	return &FlightRecorder{ring: make([]byte, size)}
}

func (fr *FlightRecorder) Record(b []byte) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(b) >= len(fr.ring) {
		copy(fr.ring, b[len(b)-len(fr.ring):])
		fr.w, fr.full = 0, true
		return
	}
	n := copy(fr.ring[fr.w:], b)
	if n < len(b) {
		copy(fr.ring, b[n:])
		fr.full = true
	}
	fr.w = (fr.w + len(b)) % len(fr.ring)
	if fr.w == 0 {
		fr.full = true
	}
}

// Dump returns the recorded bytes oldest-first.
func (fr *FlightRecorder) Dump() []byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if !fr.full {
		return append([]byte(nil), fr.ring[:fr.w]...)
	}
	out := make([]byte, 0, len(fr.ring))
	out = append(out, fr.ring[fr.w:]...)
	return append(out, fr.ring[:fr.w]...)
}
