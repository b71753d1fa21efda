// Package classload resolves classes and resources across the channel:
// proxy loaders keyed by remote-loader OID, dependency prefetch, and the
// content-addressed JAR transfer.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package classload

import (
	"archive/zip"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

// countingProvider wraps another provider, counting fetches.
type countingProvider struct {
	Provider
	finds *atomic.Int64
	opens *atomic.Int64
}

func wrapCounting(p Provider) *countingProvider {
	return &countingProvider{Provider: p, finds: atomic.NewInt64(0), opens: atomic.NewInt64(0)}
}

func (cp *countingProvider) FindClass(name string) (Image, []Image, error) {
	cp.finds.Inc()
	return cp.Provider.FindClass(name)
}

func (cp *countingProvider) OpenJar(sum jarcache.Sum) (io.ReadCloser, error) {
	cp.opens.Inc()
	return cp.Provider.OpenJar(sum)
}

func newChannelPair(t *testing.T) (a, b *channel.Channel) {
	t.Helper()
	connA, connB := net.Pipe()
	hub := iohub.New(4)
	var (
		wg         sync.WaitGroup
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a, errA = channel.New("A", hub, connA, channel.Options{Initiator: true})
	}()
	go func() {
		defer wg.Done()
		b, errB = channel.New("B", hub, connB, channel.Options{})
	}()
	wg.Wait()
	tassert.CheckFatal(t, errA)
	tassert.CheckFatal(t, errB)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		hub.Shutdown(nil)
	})
	return a, b
}

func writeClassTree(t *testing.T, classes map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for name, code := range classes {
		rel := slashed(name) + ".class"
		fqn := filepath.Join(root, filepath.FromSlash(rel))
		tassert.CheckFatal(t, os.MkdirAll(filepath.Dir(fqn), 0o750))
		tassert.CheckFatal(t, os.WriteFile(fqn, code, 0o640))
	}
	return root
}

func TestRemoteClassLoad(t *testing.T) {
	a, b := newChannelPair(t)

	probe := buildClass("org.example.Probe", "org.example.Helper")
	helper := buildClass("org.example.Helper")
	root := writeClassTree(t, map[string][]byte{
		"org.example.Probe":  probe,
		"org.example.Helper": helper,
	})
	counting := wrapCounting(NewFSProvider(root))
	oid := ExportProvider(b, counting)

	cache, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)
	reg := NewRegistry(a, cache)
	loader := reg.Loader(oid)

	code, err := loader.LoadClass("org.example.Probe")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bytes.Equal(code, probe), "bytecode corrupted in flight")
	fetchesAfterProbe := counting.finds.Load()

	// Helper arrived as prefetch: loading it must not go remote again
	code, err = loader.LoadClass("org.example.Helper")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bytes.Equal(code, helper), "prefetched bytecode corrupted")
	tassert.Fatalf(t, counting.finds.Load() == fetchesAfterProbe,
		"prefetch ignored: %d extra fetches", counting.finds.Load()-fetchesAfterProbe)

	// and a second load of the same class is served from the local cache
	_, err = loader.LoadClass("org.example.Probe")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, counting.finds.Load() == fetchesAfterProbe,
		"re-load went remote")
}

func TestConcurrentLoadSingleFetch(t *testing.T) {
	a, b := newChannelPair(t)
	code := buildClass("org.example.Once")
	root := writeClassTree(t, map[string][]byte{"org.example.Once": code})
	counting := wrapCounting(NewFSProvider(root))
	oid := ExportProvider(b, counting)

	cache, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)
	loader := NewRegistry(a, cache).Loader(oid)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, lerr := loader.LoadClass("org.example.Once")
			tassert.CheckError(t, lerr)
			tassert.Errorf(t, bytes.Equal(got, code), "racer saw different bytecode")
		}()
	}
	wg.Wait()
	tassert.Fatalf(t, counting.finds.Load() == 1,
		"%d fetches for 16 concurrent loads of one class", counting.finds.Load())
}

func buildJar(t *testing.T, classes map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, code := range classes {
		w, err := zw.Create(slashed(name) + ".class")
		tassert.CheckFatal(t, err)
		_, err = w.Write(code)
		tassert.CheckFatal(t, err)
	}
	tassert.CheckFatal(t, zw.Close())
	fqn := filepath.Join(t.TempDir(), "bundle.jar")
	tassert.CheckFatal(t, os.WriteFile(fqn, buf.Bytes(), 0o640))
	return fqn
}

func TestJarTransfer(t *testing.T) {
	a, b := newChannelPair(t)
	inJar := map[string][]byte{
		"jarred.First":  buildClass("jarred.First"),
		"jarred.Second": buildClass("jarred.Second"),
	}
	jarPath := buildJar(t, inJar)
	provider := NewFSProvider(jarPath)
	oid := ExportProvider(b, provider)

	cache, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)
	loader := NewRegistry(a, cache).Loader(oid)

	// first load: simple scheme serves the bytes while the bundle streams
	// into the cache in the background
	code, err := loader.LoadClass("jarred.First")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bytes.Equal(code, inJar["jarred.First"]), "jarred bytecode corrupted")

	jarBytes, err := os.ReadFile(jarPath)
	tassert.CheckFatal(t, err)
	sum := jarcache.SumBytes(jarBytes)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := cache.LookupPath(sum); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bundle never became resident")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// once resident, further classes come out of the local bundle
	code, err = loader.LoadClass("jarred.Second")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bytes.Equal(code, inJar["jarred.Second"]), "resident read corrupted")
}

func TestResources(t *testing.T) {
	a, b := newChannelPair(t)
	root := t.TempDir()
	tassert.CheckFatal(t, os.MkdirAll(filepath.Join(root, "META-INF"), 0o750))
	tassert.CheckFatal(t, os.WriteFile(filepath.Join(root, "META-INF", "app.properties"),
		[]byte("answer=42"), 0o640))
	oid := ExportProvider(b, NewFSProvider(root))

	cache, err := jarcache.New(t.TempDir())
	tassert.CheckFatal(t, err)
	loader := NewRegistry(a, cache).Loader(oid)

	data, found, err := loader.GetResource("META-INF/app.properties")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, found && string(data) == "answer=42", "resource: found=%v %q", found, data)

	_, found, err = loader.GetResource("META-INF/absent")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, !found, "phantom resource")

	all, err := loader.GetResources("META-INF/absent")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(all) == 0, "getResources on absent: %d entries", len(all))
}
