// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCos(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
