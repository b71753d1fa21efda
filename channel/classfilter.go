// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"os"
	"strings"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/fname"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

// ClassFilter screens class names on the way in (deserialization) and
// method signatures on the way out. Matches returns true when the name
// must be refused. Matching is prefix/exact only - no regex on this path.
type ClassFilter interface {
	Matches(className string) bool
	MatchesSignature(sig string) bool
}

type listFilter struct {
	exact    map[string]struct{}
	prefixes []string
}

// the known-dangerous set; refused to deserialize regardless of overrides
var defaultBlacklist = []string{
	"javax.imageio.*",
	"java.util.ServiceLoader",
	"java.net.URLClassLoader",
	"java.lang.reflect.Method",
	"net.sf.json.*",
	"java.security.SignedObject",
}

var (
	filterOnce sync.Once
	filterDflt ClassFilter
)

// DefaultFilter returns the process-wide filter. First use reads the
// optional override file named by the environment exactly once; later
// override attempts are logged and rejected.
func DefaultFilter() ClassFilter {
	filterOnce.Do(initDefaultFilter)
	return filterDflt
}

// SetDefaultFilter replaces the process default; only effective before the
// first DefaultFilter call.
func SetDefaultFilter(f ClassFilter) {
	replaced := false
	filterOnce.Do(func() { filterDflt = f; replaced = true })
	if !replaced {
		nlog.Warningln("class filter already initialized; override rejected")
	}
}

func initDefaultFilter() {
	patterns := defaultBlacklist
	if fqn := os.Getenv(fname.EnvFilterFile); fqn != "" {
		extra, err := readFilterFile(fqn)
		if err != nil {
			nlog.Errorf("class filter override %s: %v (using defaults)", fqn, err)
		} else {
			nlog.Infof("class filter: %d override pattern%s from %s",
				len(extra), cos.Plural(len(extra)), fqn)
			patterns = append(append([]string{}, patterns...), extra...)
		}
	}
	filterDflt = NewListFilter(patterns)
}

func readFilterFile(fqn string) ([]string, error) {
	b, err := os.ReadFile(fqn)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// NewListFilter builds a filter from patterns; "pkg.*" and "pkg." both
// mean prefix, anything else is an exact class name.
func NewListFilter(patterns []string) ClassFilter {
	f := &listFilter{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		switch {
		case strings.HasSuffix(p, ".*"):
			f.prefixes = append(f.prefixes, p[:len(p)-1])
		case strings.HasSuffix(p, "."):
			f.prefixes = append(f.prefixes, p)
		default:
			f.exact[p] = struct{}{}
		}
	}
	return f
}

func (f *listFilter) Matches(className string) bool {
	if _, bad := f.exact[className]; bad {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(className, p) {
			return true
		}
	}
	return false
}

// MatchesSignature screens "pkg.Class.method(...)" forms by their class
// part.
func (f *listFilter) MatchesSignature(sig string) bool {
	cls := sig
	if i := strings.IndexByte(sig, '('); i >= 0 {
		cls = sig[:i]
		if j := strings.LastIndexByte(cls, '.'); j >= 0 {
			cls = cls[:j]
		}
	}
	return f.Matches(cls)
}
