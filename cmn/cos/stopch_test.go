// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos_test

import (
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("StopCh", func() {
	It("should close exactly once", func() {
		sch := cos.NewStopCh()
		Expect(sch.Stopped()).To(BeFalse())
		sch.Close()
		sch.Close() // second close must be a no-op
		Expect(sch.Stopped()).To(BeTrue())
		Eventually(sch.Listen()).Should(BeClosed())
	})
})
