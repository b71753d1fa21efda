// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn/debug"
	"github.com/jenkinsci/remoting-sub008/cmn/mono"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

// Invoker executes one method of an exported object on behalf of the peer.
type Invoker func(method string, args []byte) ([]byte, error)

type (
	exportEntry struct {
		oid     int32
		obj     any // strong ref; keeps the export alive
		invoker Invoker
		pin     int64 // saturating
		ref     int64 // saturating
		trace   string
		doomed  int64 // mono deadline once pin==0 && ref==0; 0 = live
	}

	unexportRec struct {
		oid   int32
		when  time.Time
		trace string
		why   string
	}

	// ExportTable maps OIDs to locally exported objects. One side of the
	// channel mints even OIDs, the other odd, so the two tables can never
	// collide. Entries stay alive while pinned or remotely referenced;
	// once both counts are zero the sweep finalizes them after a grace
	// period (so in-flight commands can still resolve the OID).
	ExportTable struct {
		mu      sync.Mutex
		entries map[int32]*exportEntry
		byObj   map[any]int32 // identity dedup for comparable objects
		next    int32         // next OID to mint; parity fixed at creation
		grace   time.Duration

		log    []unexportRec // ring of recent removals
		logW   int
		closed bool
	}
)

const unexportLogSize = 32

// NewExportTable: parity 0 for the initiating side, 1 for the accepting
// side.
func NewExportTable(parity int32, grace time.Duration) *ExportTable {
	debug.Assert(parity == 0 || parity == 1)
	return &ExportTable{
		entries: make(map[int32]*exportEntry, 8),
		byObj:   make(map[any]int32, 8),
		next:    2 + parity,
		grace:   grace,
		log:     make([]unexportRec, 0, unexportLogSize),
	}
}

// Export registers obj with its invoker; exporting the same (comparable)
// object again returns the existing OID and bumps the matching counter.
func (et *ExportTable) Export(obj any, invoker Invoker, pinned bool) int32 {
	et.mu.Lock()
	defer et.mu.Unlock()
	if obj != nil && reflect.TypeOf(obj).Comparable() {
		if oid, ok := et.byObj[obj]; ok {
			e := et.entries[oid]
			if pinned {
				e.pin = satAdd(e.pin, 1)
			} else {
				e.ref = satAdd(e.ref, 1)
			}
			e.doomed = 0
			return oid
		}
	}
	oid := et.mint()
	e := &exportEntry{oid: oid, obj: obj, invoker: invoker, trace: callerTrace(2)}
	if pinned {
		e.pin = 1
	} else {
		e.ref = 1
	}
	et.entries[oid] = e
	if obj != nil && reflect.TypeOf(obj).Comparable() {
		et.byObj[obj] = oid
	}
	return oid
}

// mu held
func (et *ExportTable) mint() int32 {
	for {
		oid := et.next
		// OIDs are 32-bit and stay positive; wrap preserving parity
		if et.next > math.MaxInt32-2 {
			et.next = 2 + et.next%2
		} else {
			et.next += 2
		}
		if _, used := et.entries[oid]; !used {
			return oid
		}
	}
}

// Get resolves an OID for an inbound invocation. The error on a miss
// includes recent unexport history - the single most useful diagnostic for
// premature-release bugs.
func (et *ExportTable) Get(oid int32) (Invoker, error) {
	et.mu.Lock()
	defer et.mu.Unlock()
	if e, ok := et.entries[oid]; ok {
		return e.invoker, nil
	}
	return nil, &ErrInvalidOID{OID: oid, History: et.history(oid)}
}

// AddRef and Release arrive from inbound DgcRequests. Both saturate: the
// counters must never wrap negative (premature release) or overflow.
func (et *ExportTable) AddRef(oid int32, count int64) {
	et.mu.Lock()
	if e, ok := et.entries[oid]; ok {
		e.ref = satAdd(e.ref, count)
		e.doomed = 0
	}
	et.mu.Unlock()
}

func (et *ExportTable) Release(oid int32, count int64) {
	et.mu.Lock()
	if e, ok := et.entries[oid]; ok {
		e.ref = satSub(e.ref, count)
		if e.ref == 0 && e.pin == 0 && e.doomed == 0 {
			e.doomed = mono.NanoTime() + et.grace.Nanoseconds()
		}
	}
	et.mu.Unlock()
}

func (et *ExportTable) Unpin(oid int32) {
	et.mu.Lock()
	if e, ok := et.entries[oid]; ok {
		e.pin = satSub(e.pin, 1)
		if e.ref == 0 && e.pin == 0 && e.doomed == 0 {
			e.doomed = mono.NanoTime() + et.grace.Nanoseconds()
		}
	}
	et.mu.Unlock()
}

// Sweep finalizes entries whose grace period elapsed. A finalizer that
// panics does not stall the rest: the failing entry is re-queued and the
// sweep continues.
func (et *ExportTable) Sweep(onUnexport func(oid int32, obj any)) (finalized int) {
	now := mono.NanoTime()
	et.mu.Lock()
	var due []*exportEntry
	for _, e := range et.entries {
		if e.doomed != 0 && e.doomed <= now {
			due = append(due, e)
		}
	}
	et.mu.Unlock()

	for _, e := range due {
		if !et.finalize(e, onUnexport) {
			et.mu.Lock()
			if cur, ok := et.entries[e.oid]; ok && cur == e {
				cur.doomed = now + et.grace.Nanoseconds() // retry next sweep
			}
			et.mu.Unlock()
			continue
		}
		finalized++
	}
	return
}

func (et *ExportTable) finalize(e *exportEntry, onUnexport func(int32, any)) (ok bool) {
	et.mu.Lock()
	cur, present := et.entries[e.oid]
	if !present || cur != e || e.doomed == 0 {
		et.mu.Unlock()
		return true // resurrected or already gone
	}
	et.mu.Unlock()

	if onUnexport != nil && !runUnexport(e, onUnexport) {
		return false // caller re-queues; the entry stays in the table
	}

	et.mu.Lock()
	cur, present = et.entries[e.oid]
	if present && cur == e && e.doomed != 0 {
		delete(et.entries, e.oid)
		if e.obj != nil && reflect.TypeOf(e.obj).Comparable() {
			delete(et.byObj, e.obj)
		}
		et.record(e.oid, e.trace, "swept")
	}
	et.mu.Unlock()
	return true
}

func runUnexport(e *exportEntry, cb func(int32, any)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("unexport callback for oid=%d panicked: %v", e.oid, r)
			ok = false
		}
	}()
	cb(e.oid, e.obj)
	return true
}

// Clear drops all strong references (channel close), recording the reason.
func (et *ExportTable) Clear(why string) {
	et.mu.Lock()
	for oid, e := range et.entries {
		et.record(oid, e.trace, why)
	}
	et.entries = make(map[int32]*exportEntry)
	et.byObj = make(map[any]int32)
	et.closed = true
	et.mu.Unlock()
}

func (et *ExportTable) Size() int {
	et.mu.Lock()
	n := len(et.entries)
	et.mu.Unlock()
	return n
}

// Counts is a diagnostics/test hook.
func (et *ExportTable) Counts(oid int32) (pin, ref int64, ok bool) {
	et.mu.Lock()
	defer et.mu.Unlock()
	if e, found := et.entries[oid]; found {
		return e.pin, e.ref, true
	}
	return 0, 0, false
}

// mu held
func (et *ExportTable) record(oid int32, trace, why string) {
	rec := unexportRec{oid: oid, when: time.Now(), trace: trace, why: why}
	if len(et.log) < unexportLogSize {
		et.log = append(et.log, rec)
	} else {
		et.log[et.logW] = rec
		et.logW = (et.logW + 1) % unexportLogSize
	}
}

// mu held
func (et *ExportTable) history(oid int32) string {
	var sb strings.Builder
	for _, rec := range et.log {
		if rec.oid != oid {
			continue
		}
		fmt.Fprintf(&sb, "[oid=%d %s at %s, exported at %s]",
			rec.oid, rec.why, rec.when.Format(time.RFC3339), rec.trace)
	}
	if sb.Len() == 0 && et.closed {
		return "(table cleared on channel close)"
	}
	return sb.String()
}

//
// saturating arithmetic - overflow here historically caused premature
// releases
//

func satAdd(v, d int64) int64 {
	if d < 0 {
		return satSub(v, -d)
	}
	if v > math.MaxInt64-d {
		return math.MaxInt64
	}
	return v + d
}

func satSub(v, d int64) int64 {
	if d < 0 {
		return satAdd(v, -d)
	}
	if v < d {
		return 0
	}
	return v - d
}

func callerTrace(depth int) string {
	if _, fn, ln, ok := runtime.Caller(depth); ok {
		return fmt.Sprintf("%s:%d", fn, ln)
	}
	return "unknown"
}
