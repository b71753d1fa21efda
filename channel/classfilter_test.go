// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"testing"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

func TestClassFilterDefaults(t *testing.T) {
	f := NewListFilter(defaultBlacklist)
	blocked := []string{
		"javax.imageio.ImageIO",
		"javax.imageio.stream.FileImageInputStream",
		"java.util.ServiceLoader",
		"java.net.URLClassLoader",
		"java.lang.reflect.Method",
		"net.sf.json.JSONObject",
		"java.security.SignedObject",
	}
	allowed := []string{
		"java.lang.String",
		"java.util.ServiceLoaderX", // exact match must not bleed into neighbors
		"java.lang.reflect.Field",
		"org.example.Probe",
	}
	for _, c := range blocked {
		tassert.Errorf(t, f.Matches(c), "%s not refused", c)
	}
	for _, c := range allowed {
		tassert.Errorf(t, !f.Matches(c), "%s wrongly refused", c)
	}
}

func TestClassFilterSignature(t *testing.T) {
	f := NewListFilter(defaultBlacklist)
	tassert.Errorf(t, f.MatchesSignature("java.net.URLClassLoader.newInstance(java.net.URL[])"),
		"dangerous signature passed")
	tassert.Errorf(t, !f.MatchesSignature("org.example.Probe.run()"), "benign signature refused")
}
