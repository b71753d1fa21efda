// Package jarcache is the local content-addressed store of whole code
// bundles, keyed by 128-bit checksum.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package jarcache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

func TestSumRoundTrip(t *testing.T) {
	s := jarcache.SumBytes([]byte("bundle"))
	back, err := jarcache.ParseSum(s.String())
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, back == s, "parse(%s) = %s", s, back)
	tassert.Fatalf(t, len(s.String()) == 32, "key length %d", len(s.String()))

	r, n, err := jarcache.SumReader(bytes.NewReader([]byte("bundle")))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, r == s && n == 6, "reader sum drifted: %s (%d bytes)", r, n)
}

func TestCachePutLookup(t *testing.T) {
	c, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)

	content := []byte("jar-bytes-jar-bytes")
	sum := jarcache.SumBytes(content)
	_, ok := c.LookupPath(sum)
	tassert.Fatalf(t, !ok, "phantom cache hit")

	fqn, err := c.PutBytes(sum, content)
	tassert.CheckFatal(t, err)

	// layout: <dir>/<2 hex>/<30 hex>.jar
	hexstr := sum.String()
	wantRel := filepath.Join(hexstr[:2], hexstr[2:]+".jar")
	tassert.Fatalf(t, strings.HasSuffix(fqn, wantRel), "layout %s", fqn)

	got, ok := c.LookupPath(sum)
	tassert.Fatalf(t, ok && got == fqn, "lookup after put: %q", got)
	b, err := os.ReadFile(fqn)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bytes.Equal(b, content), "content corrupted")
}

func TestCacheChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	c, err := jarcache.New(dir)
	tassert.CheckFatal(t, err)

	declared := jarcache.SumBytes([]byte("what-was-promised"))
	_, err = c.PutBytes(declared, []byte("what-actually-arrived"))
	tassert.Fatalf(t, err != nil, "mismatched content accepted")

	// the failed put must leave no file behind, temp or final
	var files []string
	filepath.Walk(dir, func(path string, fi os.FileInfo, _ error) error {
		if fi != nil && !fi.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	tassert.Fatalf(t, len(files) == 0, "mismatch left files: %v", files)
}

func TestCacheDiscardsPartials(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "ab")
	tassert.CheckFatal(t, os.MkdirAll(sub, 0o750))
	partial := filepath.Join(sub, strings.Repeat("0", 30)+".jar.tmp")
	tassert.CheckFatal(t, os.WriteFile(partial, []byte("half"), 0o640))

	_, err := jarcache.New(dir)
	tassert.CheckFatal(t, err)
	_, statErr := os.Stat(partial)
	tassert.Fatalf(t, os.IsNotExist(statErr), "partial file survived restart")
}

func TestCacheConcurrentPuts(t *testing.T) {
	c, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)
	content := []byte("contended-bundle")
	sum := jarcache.SumBytes(content)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, perr := c.PutBytes(sum, content)
			tassert.CheckError(t, perr)
		}()
	}
	wg.Wait()
	checked, removed := c.Verify()
	tassert.Fatalf(t, checked == 1 && removed == 0, "verify: %d/%d", checked, removed)
}
