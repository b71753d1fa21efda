// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package hk_test

import (
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("should invoke a cleanup on schedule", func() {
		count := atomic.NewInt64(0)
		hk.Reg("t-sched"+hk.NameSuffix, func() time.Duration {
			count.Inc()
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		defer hk.Unreg("t-sched" + hk.NameSuffix)
		Eventually(func() int64 { return count.Load() }, "2s", "10ms").Should(BeNumerically(">=", 3))
	})

	It("should unregister when the cleanup asks to", func() {
		count := atomic.NewInt64(0)
		hk.Reg("t-once"+hk.NameSuffix, func() time.Duration {
			count.Inc()
			return hk.UnregInterval
		}, time.Millisecond)
		Eventually(func() int64 { return count.Load() }, "1s", "5ms").Should(Equal(int64(1)))
		Consistently(func() int64 { return count.Load() }, "200ms", "50ms").Should(Equal(int64(1)))
	})

	It("should survive a panicking cleanup and keep the rest running", func() {
		good := atomic.NewInt64(0)
		hk.Reg("t-panic"+hk.NameSuffix, func() time.Duration {
			panic("deliberate")
		}, time.Millisecond)
		hk.Reg("t-good"+hk.NameSuffix, func() time.Duration {
			good.Inc()
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		defer hk.Unreg("t-panic" + hk.NameSuffix)
		defer hk.Unreg("t-good" + hk.NameSuffix)
		Eventually(func() int64 { return good.Load() }, "2s", "10ms").Should(BeNumerically(">=", 2))
	})
})
