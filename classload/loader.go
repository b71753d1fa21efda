// Package classload resolves classes and resources across the channel:
// proxy loaders keyed by remote-loader OID, dependency prefetch, and the
// content-addressed JAR transfer.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package classload

import (
	"archive/zip"
	"io"
	"strings"
	"sync"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/tinylib/msgp/msgp"
)

// RPC methods served by an exported provider
const (
	methFetch        = "fetch"
	methFetchCode    = "fetchCode"
	methFetchJar     = "fetchJar"
	methGetResource  = "getResource"
	methGetResources = "getResources"
)

type (
	// Registry owns every proxy loader created for one peer. Closing the
	// channel renders them all inert: any subsequent load fails with the
	// channel-closed cause.
	Registry struct {
		ch    *channel.Channel
		cache *jarcache.Cache

		mu      sync.Mutex
		loaders map[int32]*ProxyLoader
		dead    error
	}

	jarStatus int

	jarState struct {
		status jarStatus
		path   string // resident only
	}

	classEntry struct {
		done chan struct{}
		code []byte
		err  error
	}

	// ProxyLoader stands in for one remote classloader, addressed by its
	// OID on the sender side. It keeps its own lookup cache; the peer's
	// delegation graph stays opaque - delegation happens remotely during
	// fetch.
	ProxyLoader struct {
		oid int32
		reg *Registry

		mu      sync.Mutex
		classes map[string]*classEntry
		jars    map[jarcache.Sum]*jarState
	}
)

const (
	jarUnknown jarStatus = iota
	jarFetching
	jarResident
	jarFailed
)

func NewRegistry(ch *channel.Channel, cache *jarcache.Cache) *Registry {
	r := &Registry{ch: ch, cache: cache, loaders: make(map[int32]*ProxyLoader, 2)}
	ch.OnTerminate(func(cause error) {
		r.mu.Lock()
		r.dead = channel.NewErrClosed(ch.Name(), cause)
		r.mu.Unlock()
	})
	return r
}

// Loader returns the proxy for a remote loader OID, creating it on first
// use.
func (r *Registry) Loader(oid int32) *ProxyLoader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loaders[oid]; ok {
		return l
	}
	l := &ProxyLoader{
		oid:     oid,
		reg:     r,
		classes: make(map[string]*classEntry, 16),
		jars:    make(map[jarcache.Sum]*jarState, 2),
	}
	r.loaders[oid] = l
	return l
}

func (r *Registry) deadErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

// LoadClass resolves name to bytecode. Two concurrent loads of the same
// class on the same proxy result in exactly one definition; the second
// observes the first's result.
func (l *ProxyLoader) LoadClass(name string) ([]byte, error) {
	if err := l.reg.deadErr(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	e, inflight := l.classes[name]
	if !inflight {
		e = &classEntry{done: make(chan struct{})}
		l.classes[name] = e
	}
	l.mu.Unlock()
	if inflight {
		<-e.done
		return e.code, e.err
	}
	code, err := l.fetch(name)
	e.code, e.err = code, err
	close(e.done)
	if err != nil {
		// failed lookups are not cached; drop the entry so a retry can
		// run after (say) the jar transfer finishes
		l.mu.Lock()
		if cur, ok := l.classes[name]; ok && cur == e {
			delete(l.classes, name)
		}
		l.mu.Unlock()
	}
	return code, err
}

func (l *ProxyLoader) fetch(name string) ([]byte, error) {
	reply, err := l.rpcFetch(name)
	if err != nil {
		return nil, err
	}
	l.recordPrefetch(reply.Prefetch)
	return l.materialize(&reply.Main)
}

func (l *ProxyLoader) rpcFetch(name string) (*fetchReply, error) {
	body, err := l.reg.ch.CallRemote(l.oid, methFetch, msgp.AppendString(nil, name))
	if err != nil {
		return nil, err
	}
	reply := &fetchReply{}
	if _, err = reply.ReadMsg(body); err != nil {
		return nil, err
	}
	return reply, nil
}

// materialize turns an image into bytecode, consulting the jar cache for
// jar references.
func (l *ProxyLoader) materialize(im *Image) ([]byte, error) {
	if !im.IsJar() {
		return im.Code, nil
	}
	if path, ok := l.residentJar(im.Jar); ok {
		if code, err := readFromJar(path, im.Name); err == nil {
			return code, nil
		}
		// resident but the entry is missing: fall through to the simple
		// scheme rather than failing the load
		nlog.Warningf("jar %s lacks %s; falling back to direct fetch", im.Jar.Sum, im.Name)
	}
	l.ensureJar(im.Jar)
	// simple scheme while the bundle is in flight (or failed for good)
	return l.fetchCode(im.Name)
}

func (l *ProxyLoader) fetchCode(name string) ([]byte, error) {
	return l.reg.ch.CallRemote(l.oid, methFetchCode, msgp.AppendString(nil, name))
}

// residentJar checks cache residency and refreshes the local state.
func (l *ProxyLoader) residentJar(jr *JarRef) (string, bool) {
	l.mu.Lock()
	st, ok := l.jars[jr.Sum]
	l.mu.Unlock()
	if ok && st.status == jarResident {
		return st.path, true
	}
	if path, found := l.reg.cache.LookupPath(jr.Sum); found {
		l.mu.Lock()
		l.jars[jr.Sum] = &jarState{status: jarResident, path: path}
		l.mu.Unlock()
		return path, true
	}
	return "", false
}

// ensureJar starts the background transfer at most once per checksum.
func (l *ProxyLoader) ensureJar(jr *JarRef) {
	l.mu.Lock()
	st, ok := l.jars[jr.Sum]
	if ok && st.status != jarUnknown {
		l.mu.Unlock()
		return
	}
	l.jars[jr.Sum] = &jarState{status: jarFetching}
	l.mu.Unlock()
	go l.transferJar(jr)
}

// transferJar streams the whole bundle through a pipe into the cache. On
// any failure the partial file is gone (the cache guarantees that) and
// individual fetches continue indefinitely.
func (l *ProxyLoader) transferJar(jr *JarRef) {
	ch := l.reg.ch
	pipe := channel.CreateRemoteToLocal(ch)
	args := appendSum(nil, jr.Sum)
	args = msgp.AppendInt32(args, pipe.OID())

	type putRes struct {
		path string
		err  error
	}
	putCh := make(chan putRes, 1)
	go func() {
		path, perr := l.reg.cache.Put(jr.Sum, pipe)
		putCh <- putRes{path, perr}
	}()
	_, rerr := ch.CallRemote(jr.OID, methFetchJar, args)
	if rerr != nil {
		pipe.Close() // unblock the cache write; the partial is discarded
	}
	res := <-putCh
	pipe.Close()
	path, perr := res.path, res.err
	if perr == nil && rerr != nil {
		perr = rerr
	}
	l.mu.Lock()
	if perr != nil {
		l.jars[jr.Sum] = &jarState{status: jarFailed}
	} else {
		l.jars[jr.Sum] = &jarState{status: jarResident, path: path}
	}
	l.mu.Unlock()
	if perr != nil {
		nlog.Warningf("jar %s transfer failed: %v (simple scheme continues)", jr.Sum, perr)
	} else {
		nlog.Infof("jar %s resident at %s", jr.Sum, path)
		// report declared dependency bundles that are not cached; they are not
		// fetched here
		for _, dep := range jr.Deps {
			if _, ok := l.reg.cache.LookupPath(dep); !ok {
				nlog.Infof("jar %s: dependency %s not cached yet", jr.Sum, dep)
			}
		}
	}
}

// recordPrefetch stores the shipped direct-dependency images. Advisory:
// an image for a known class is a no-op; a jar-reference image populates
// jar metadata only.
func (l *ProxyLoader) recordPrefetch(images []Image) {
	for i := range images {
		im := &images[i]
		if im.IsJar() {
			l.mu.Lock()
			if _, ok := l.jars[im.Jar.Sum]; !ok {
				l.jars[im.Jar.Sum] = &jarState{status: jarUnknown}
			}
			l.mu.Unlock()
			continue
		}
		l.mu.Lock()
		if _, known := l.classes[im.Name]; known {
			l.mu.Unlock()
			continue
		}
		e := &classEntry{done: make(chan struct{}), code: im.Code}
		close(e.done)
		l.classes[im.Name] = e
		l.mu.Unlock()
	}
}

// GetResource fetches one resource; found=false when the remote loader has
// no such resource.
func (l *ProxyLoader) GetResource(name string) (data []byte, found bool, err error) {
	if err := l.reg.deadErr(); err != nil {
		return nil, false, err
	}
	body, err := l.reg.ch.CallRemote(l.oid, methGetResource, msgp.AppendString(nil, name))
	if err != nil {
		return nil, false, err
	}
	if found, body, err = msgp.ReadBoolBytes(body); err != nil || !found {
		return nil, false, err
	}
	data, _, err = msgp.ReadBytesBytes(body, nil)
	return data, err == nil, err
}

// GetResources returns every match - possibly an empty sequence.
func (l *ProxyLoader) GetResources(name string) ([][]byte, error) {
	if err := l.reg.deadErr(); err != nil {
		return nil, err
	}
	body, err := l.reg.ch.CallRemote(l.oid, methGetResources, msgp.AppendString(nil, name))
	if err != nil {
		return nil, err
	}
	n, body, err := msgp.ReadArrayHeaderBytes(body)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for range n {
		var one []byte
		if one, body, err = msgp.ReadBytesBytes(body, nil); err != nil {
			return nil, err
		}
		out = append(out, one)
	}
	return out, nil
}

func readFromJar(path, className string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	want := strings.ReplaceAll(className, ".", "/") + ".class"
	for _, f := range zr.File {
		if f.Name != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, cos.NewErrNotFound("class %s in jar %s", className, path)
}
