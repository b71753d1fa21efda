// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos

import (
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/mono"
)

var rtie atomic.Uint32

// GenTie generates a short tie-breaker string: the low 20 bits of an xxhash
// of a process-wide counter, seeded with the wall-clock time, in base 36.
// Distinct calls can return the same string.
func GenTie() string {
	tie := rtie.Add(1)
	h := xxhash.NewS64(uint64(time.Now().UnixNano()))
	h.Write([]byte{byte(tie), byte(tie >> 8), byte(tie >> 16), byte(tie >> 24)})
	return strconv.FormatUint(h.Sum64()&0xfffff, 36)
}

// NanoTie prefixes GenTie with the low 24 bits of the monotonic clock in
// base 36; the GenTie part is still seeded from the wall clock
func NanoTie() string {
	return strconv.FormatInt(mono.NanoTime()&0xffffff, 36) + GenTie()
}
