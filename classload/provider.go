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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/tinylib/msgp/msgp"
)

// Provider is the sender side of class resolution: it looks classes and
// resources up in this process's code base and streams bundles on demand.
type Provider interface {
	// FindClass returns the image for name plus the images of name's
	// direct constant-pool dependencies (prefetch; never recursive).
	FindClass(name string) (Image, []Image, error)
	// OpenJar streams a bundle previously referenced by checksum.
	OpenJar(sum jarcache.Sum) (io.ReadCloser, error)
	FindResource(name string) ([]byte, bool, error)
	FindResources(name string) ([][]byte, error)
}

// ExportProvider publishes p on the channel; the returned OID is what the
// peer's Registry.Loader wants.
func ExportProvider(ch *channel.Channel, p Provider) int32 {
	var oid int32
	oid = ch.Export(p, func(method string, args []byte) ([]byte, error) {
		return serve(ch, p, oid, method, args)
	}, true)
	return oid
}

func serve(ch *channel.Channel, p Provider, oid int32, method string, args []byte) ([]byte, error) {
	switch method {
	case methFetch:
		name, _, err := msgp.ReadStringBytes(args)
		if err != nil {
			return nil, err
		}
		main, pre, err := p.FindClass(name)
		if err != nil {
			return nil, err
		}
		stampOwner(&main, oid)
		for i := range pre {
			stampOwner(&pre[i], oid)
		}
		reply := &fetchReply{Main: main, Prefetch: pre}
		return reply.AppendMsg(nil), nil

	case methFetchCode:
		name, _, err := msgp.ReadStringBytes(args)
		if err != nil {
			return nil, err
		}
		main, _, err := p.FindClass(name)
		if err != nil {
			return nil, err
		}
		if !main.IsJar() {
			return main.Code, nil
		}
		// inline form regardless of bundling - the simple scheme
		rc, err := p.OpenJar(main.Jar.Sum)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		jarBytes, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return codeFromJarBytes(jarBytes, name)

	case methFetchJar:
		sum, rest, err := readSum(args)
		if err != nil {
			return nil, err
		}
		pipeOID, _, err := msgp.ReadInt32Bytes(rest)
		if err != nil {
			return nil, err
		}
		rc, err := p.OpenJar(sum)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		w := channel.AttachWriter(ch, pipeOID)
		if _, err := io.Copy(w, rc); err != nil {
			w.CloseWithError(err)
			return nil, err
		}
		return nil, w.CloseWrite()

	case methGetResource:
		name, _, err := msgp.ReadStringBytes(args)
		if err != nil {
			return nil, err
		}
		data, found, err := p.FindResource(name)
		if err != nil {
			return nil, err
		}
		b := msgp.AppendBool(nil, found)
		if found {
			b = msgp.AppendBytes(b, data)
		}
		return b, nil

	case methGetResources:
		name, _, err := msgp.ReadStringBytes(args)
		if err != nil {
			return nil, err
		}
		all, err := p.FindResources(name)
		if err != nil {
			return nil, err
		}
		b := msgp.AppendArrayHeader(nil, uint32(len(all)))
		for _, one := range all {
			b = msgp.AppendBytes(b, one)
		}
		return b, nil
	}
	return nil, cos.NewErrNotFound("classloader method %q", method)
}

func stampOwner(im *Image, oid int32) {
	im.LoaderOID = oid
	if im.Jar != nil && im.Jar.OID == 0 {
		im.Jar.OID = oid
	}
}

func codeFromJarBytes(jarBytes []byte, className string) ([]byte, error) {
	zr, err := zip.NewReader(newBytesReaderAt(jarBytes), int64(len(jarBytes)))
	if err != nil {
		return nil, err
	}
	want := strings.ReplaceAll(className, ".", "/") + ".class"
	for _, f := range zr.File {
		if f.Name == want {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, cos.NewErrNotFound("class %s in bundle", className)
}

type bytesReaderAt struct{ b []byte }

func newBytesReaderAt(b []byte) *bytesReaderAt { return &bytesReaderAt{b} }

func (r *bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// FSProvider serves classes and resources from a set of roots: plain
// directories of .class files and/or .jar bundles.
type FSProvider struct {
	roots []string

	mu   sync.Mutex
	sums map[jarcache.Sum]string // jar path by checksum
}

func NewFSProvider(roots ...string) *FSProvider {
	return &FSProvider{roots: roots, sums: make(map[jarcache.Sum]string, 2)}
}

func (fp *FSProvider) FindClass(name string) (Image, []Image, error) {
	im, err := fp.find(name)
	if err != nil {
		return Image{}, nil, err
	}
	return im, fp.prefetch(im.Code), nil
}

// find is the lookup without the prefetch pass (which would otherwise
// recurse through mutually referencing classes).
func (fp *FSProvider) find(name string) (Image, error) {
	rel := strings.ReplaceAll(name, ".", "/") + ".class"
	for _, root := range fp.roots {
		if strings.HasSuffix(root, ".jar") {
			if im, ok := fp.fromJar(root, name); ok {
				return im, nil
			}
			continue
		}
		fqn := filepath.Join(root, filepath.FromSlash(rel))
		code, err := os.ReadFile(fqn)
		if err != nil {
			continue
		}
		return Image{Name: name, Code: code}, nil
	}
	return Image{}, cos.NewErrNotFound("class %s", name)
}

// prefetch ships the direct constant-pool dependencies that this provider
// can itself resolve - direct only, never recursive.
func (fp *FSProvider) prefetch(code []byte) (out []Image) {
	if len(code) == 0 {
		return nil // jar reference: nothing to scan locally
	}
	deps, err := DirectDeps(code)
	if err != nil {
		nlog.Warningf("prefetch scan: %v", err)
		return nil
	}
	for _, dep := range deps {
		if strings.HasPrefix(dep, "java.") || strings.HasPrefix(dep, "javax.") {
			continue // bootstrap classes are always local to the peer
		}
		im, ferr := fp.find(dep)
		if ferr != nil {
			continue
		}
		out = append(out, im)
	}
	return out
}

func (fp *FSProvider) fromJar(jarPath, name string) (Image, bool) {
	sum, err := fp.jarSum(jarPath)
	if err != nil {
		return Image{}, false
	}
	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return Image{}, false
	}
	defer zr.Close()
	want := strings.ReplaceAll(name, ".", "/") + ".class"
	for _, f := range zr.File {
		if f.Name == want {
			return Image{Name: name, Jar: &JarRef{Sum: sum}}, true
		}
	}
	return Image{}, false
}

func (fp *FSProvider) jarSum(jarPath string) (jarcache.Sum, error) {
	fh, err := os.Open(jarPath)
	if err != nil {
		return jarcache.Sum{}, err
	}
	defer fh.Close()
	sum, _, err := jarcache.SumReader(fh)
	if err != nil {
		return jarcache.Sum{}, err
	}
	fp.mu.Lock()
	fp.sums[sum] = jarPath
	fp.mu.Unlock()
	return sum, nil
}

func (fp *FSProvider) OpenJar(sum jarcache.Sum) (io.ReadCloser, error) {
	fp.mu.Lock()
	path, ok := fp.sums[sum]
	fp.mu.Unlock()
	if !ok {
		// not seen yet: rescan the jar roots
		for _, root := range fp.roots {
			if !strings.HasSuffix(root, ".jar") {
				continue
			}
			if s, err := fp.jarSum(root); err == nil && s == sum {
				path = root
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, cos.NewErrNotFound("bundle %s", sum)
	}
	return os.Open(path)
}

func (fp *FSProvider) FindResource(name string) ([]byte, bool, error) {
	for _, root := range fp.roots {
		if strings.HasSuffix(root, ".jar") {
			if b, ok := resourceFromJar(root, name); ok {
				return b, true, nil
			}
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err == nil {
			return b, true, nil
		}
	}
	return nil, false, nil
}

func (fp *FSProvider) FindResources(name string) ([][]byte, error) {
	var out [][]byte
	for _, root := range fp.roots {
		if strings.HasSuffix(root, ".jar") {
			if b, ok := resourceFromJar(root, name); ok {
				out = append(out, b)
			}
			continue
		}
		if b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name))); err == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func resourceFromJar(jarPath, name string) ([]byte, bool) {
	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		return b, err == nil
	}
	return nil, false
}
