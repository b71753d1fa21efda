// Package jarcache is the local content-addressed store of whole code
// bundles, keyed by 128-bit checksum.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package jarcache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/pkg/errors"
)

// Sum is a 128-bit content checksum: first 8 bytes high, next 8 low. The
// two halves are independently seeded xxhash64 passes over the content.
type Sum struct {
	Hi, Lo uint64
}

const (
	seedHi = 0x9e3779b97f4a7c15
	seedLo = 0xc2b2ae3d27d4eb4f

	tmpSuffix = ".tmp"
	jarSuffix = ".jar"
)

func SumBytes(b []byte) Sum {
	return Sum{Hi: xxhash.Checksum64S(b, seedHi), Lo: xxhash.Checksum64S(b, seedLo)}
}

// SumReader consumes r fully.
func SumReader(r io.Reader) (Sum, int64, error) {
	hi := xxhash.NewS64(seedHi)
	lo := xxhash.NewS64(seedLo)
	n, err := io.Copy(io.MultiWriter(hi, lo), r)
	if err != nil {
		return Sum{}, n, err
	}
	return Sum{Hi: hi.Sum64(), Lo: lo.Sum64()}, n, nil
}

func (s Sum) String() string { return fmt.Sprintf("%016x%016x", s.Hi, s.Lo) }

func ParseSum(hexstr string) (Sum, error) {
	if len(hexstr) != 32 {
		return Sum{}, fmt.Errorf("checksum %q: want 32 hex chars, have %d", hexstr, len(hexstr))
	}
	hi, err := strconv.ParseUint(hexstr[:16], 16, 64)
	if err != nil {
		return Sum{}, err
	}
	lo, err := strconv.ParseUint(hexstr[16:], 16, 64)
	if err != nil {
		return Sum{}, err
	}
	return Sum{Hi: hi, Lo: lo}, nil
}

// Cache lays files out as <dir>/<first 2 hex>/<remaining 30 hex>.jar. A
// fully written entry is immutable and its content matches its key;
// partial transfers live under a temp name and are discarded on restart.
type Cache struct {
	dir string

	mu    sync.Mutex
	locks map[Sum]*sync.Mutex // per-checksum put serialization
}

func New(dir string) (*Cache, error) {
	if err := cos.CreateDir(dir); err != nil {
		return nil, errors.Wrapf(err, "jar cache: cannot create %s", dir)
	}
	c := &Cache{dir: dir, locks: make(map[Sum]*sync.Mutex, 4)}
	c.discardPartials()
	return c, nil
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(s Sum) string {
	hexstr := s.String()
	return filepath.Join(c.dir, hexstr[:2], hexstr[2:]+jarSuffix)
}

// LookupPath returns the on-disk location when the bundle is resident.
func (c *Cache) LookupPath(s Sum) (string, bool) {
	fqn := c.path(s)
	if exists, isDir := cos.Stat(fqn); exists && !isDir {
		return fqn, true
	}
	return "", false
}

// Put streams the bundle to disk, verifies the checksum, and publishes
// via atomic rename. A mismatch deletes the temp file and leaves the
// cache untouched. Concurrent puts for the same checksum serialize.
func (c *Cache) Put(s Sum, r io.Reader) (string, error) {
	lk := c.lockFor(s)
	lk.Lock()
	defer lk.Unlock()

	if fqn, ok := c.LookupPath(s); ok {
		cos.DrainReader(r)
		return fqn, nil
	}
	fqn := c.path(s)
	tmp := fqn + tmpSuffix
	fh, err := cos.CreateFile(tmp)
	if err != nil {
		// the full path is deliberately in the message: cache-write
		// failures are painful to diagnose without it
		nlog.Errorf("jar cache: cannot write under %s: %v", c.dir, err)
		return "", errors.Wrapf(err, "jar cache dir %s", c.dir)
	}
	hi := xxhash.NewS64(seedHi)
	lo := xxhash.NewS64(seedLo)
	_, werr := io.Copy(io.MultiWriter(fh, hi, lo), r)
	cerr := fh.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		cos.RemoveFile(tmp)
		nlog.Errorf("jar cache: transfer into %s failed: %v", c.dir, werr)
		return "", errors.Wrapf(werr, "jar cache dir %s", c.dir)
	}
	got := Sum{Hi: hi.Sum64(), Lo: lo.Sum64()}
	if got != s {
		cos.RemoveFile(tmp)
		err := fmt.Errorf("jar cache: checksum mismatch: declared %s, got %s (dir %s)", s, got, c.dir)
		nlog.Errorln(err)
		return "", err
	}
	if err := cos.Rename(tmp, fqn); err != nil {
		cos.RemoveFile(tmp)
		nlog.Errorf("jar cache: publish under %s failed: %v", c.dir, err)
		return "", err
	}
	return fqn, nil
}

// PutBytes is the in-memory convenience form.
func (c *Cache) PutBytes(s Sum, b []byte) (string, error) {
	return c.Put(s, bytes.NewReader(b))
}

func (c *Cache) lockFor(s Sum) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.locks[s]
	if !ok {
		lk = &sync.Mutex{}
		c.locks[s] = lk
	}
	return lk
}

// discardPartials removes temp files left by a previous process.
func (c *Cache) discardPartials() {
	filepath.Walk(c.dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, tmpSuffix) {
			nlog.Warningf("jar cache: discarding partial %s", path)
			cos.RemoveFile(path)
		}
		return nil
	})
}

// Verify walks the cache checking every resident file against its
// filename-derived key; corrupt entries are removed and counted.
func (c *Cache) Verify() (checked, removed int) {
	filepath.Walk(c.dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || !strings.HasSuffix(path, jarSuffix) {
			return nil
		}
		checked++
		want, perr := c.sumFromPath(path)
		if perr != nil {
			return nil
		}
		fh, oerr := os.Open(path)
		if oerr != nil {
			return nil
		}
		got, _, serr := SumReader(fh)
		fh.Close()
		if serr == nil && got != want {
			nlog.Errorf("jar cache: %s fails verification (want %s, got %s) - removing",
				path, want, got)
			cos.RemoveFile(path)
			removed++
		}
		return nil
	})
	return
}

func (c *Cache) sumFromPath(path string) (Sum, error) {
	base := strings.TrimSuffix(filepath.Base(path), jarSuffix)
	return ParseSum(filepath.Base(filepath.Dir(path)) + base)
}
