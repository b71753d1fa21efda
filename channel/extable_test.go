// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

type dummyExport struct{ id int }

func TestExportParity(t *testing.T) {
	even := NewExportTable(0, time.Millisecond)
	odd := NewExportTable(1, time.Millisecond)
	for i := range 8 {
		e := even.Export(&dummyExport{i}, nil, false)
		o := odd.Export(&dummyExport{i}, nil, false)
		tassert.Errorf(t, e%2 == 0, "initiator minted odd OID %d", e)
		tassert.Errorf(t, o%2 == 1, "acceptor minted even OID %d", o)
	}
}

func TestExportDedup(t *testing.T) {
	et := NewExportTable(0, time.Millisecond)
	obj := &dummyExport{7}
	oid1 := et.Export(obj, nil, false)
	oid2 := et.Export(obj, nil, false)
	tassert.Fatalf(t, oid1 == oid2, "same object exported twice: %d != %d", oid1, oid2)
	_, ref, ok := et.Counts(oid1)
	tassert.Fatalf(t, ok && ref == 2, "refcount %d after re-export", ref)

	oid3 := et.Export(obj, nil, true) // pinned re-export bumps the pin
	pin, _, _ := et.Counts(oid3)
	tassert.Fatalf(t, oid3 == oid1 && pin == 1, "pin %d", pin)
}

func TestExportSaturation(t *testing.T) {
	et := NewExportTable(0, time.Millisecond)
	oid := et.Export(&dummyExport{1}, nil, false)
	et.AddRef(oid, math.MaxInt64)
	_, ref, _ := et.Counts(oid)
	tassert.Fatalf(t, ref == math.MaxInt64, "overflowing increment must saturate, got %d", ref)

	et.Release(oid, math.MaxInt64)
	et.Release(oid, 100) // below zero: must clamp, never wrap
	_, ref, _ = et.Counts(oid)
	tassert.Fatalf(t, ref == 0, "negative refcount %d", ref)
}

func TestExportSweepAndHistory(t *testing.T) {
	et := NewExportTable(0, time.Millisecond)
	oid := et.Export(&dummyExport{2}, nil, false)
	et.Release(oid, 1)
	time.Sleep(5 * time.Millisecond)
	n := et.Sweep(nil)
	tassert.Fatalf(t, n == 1, "swept %d", n)
	tassert.Fatalf(t, et.Size() == 0, "size %d after sweep", et.Size())

	_, err := et.Get(oid)
	tassert.Fatalf(t, err != nil, "stale OID resolvable")
	tassert.Errorf(t, strings.Contains(err.Error(), "swept"),
		"invalid-OID diagnostic lacks unexport history: %v", err)
}

func TestExportSweepForwardProgress(t *testing.T) {
	et := NewExportTable(0, time.Millisecond)
	bad := et.Export(&dummyExport{3}, nil, false)
	good := et.Export(&dummyExport{4}, nil, false)
	et.Release(bad, 1)
	et.Release(good, 1)
	time.Sleep(5 * time.Millisecond)

	n := et.Sweep(func(oid int32, _ any) {
		if oid == bad {
			panic("cleanup failure")
		}
	})
	// the failing entry is re-queued; the other one went through
	tassert.Fatalf(t, n == 1, "swept %d, want 1", n)
	tassert.Fatalf(t, et.Size() == 1, "size %d, want the failing entry retained", et.Size())

	time.Sleep(5 * time.Millisecond)
	n = et.Sweep(nil)
	tassert.Fatalf(t, n == 1 && et.Size() == 0, "retry sweep: n=%d size=%d", n, et.Size())
}

func TestExportResurrection(t *testing.T) {
	et := NewExportTable(0, 50*time.Millisecond)
	oid := et.Export(&dummyExport{5}, nil, false)
	et.Release(oid, 1)
	et.AddRef(oid, 1) // back from the dead before the grace period ran out
	time.Sleep(60 * time.Millisecond)
	n := et.Sweep(nil)
	tassert.Fatalf(t, n == 0 && et.Size() == 1, "resurrected entry swept (n=%d)", n)
}
