// Package classload resolves classes and resources across the channel:
// proxy loaders keyed by remote-loader OID, dependency prefetch, and the
// content-addressed JAR transfer.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package classload

import (
	"encoding/binary"
	"testing"

	"github.com/jenkinsci/remoting-sub008/tools/tassert"
)

// classFile assembles a minimal-but-valid class file: a constant pool of
// utf8/class entries, then access_flags, this_class, super_class.
type classFile struct {
	entries  [][]byte
	count    int
	thisIdx  int
}

func newClassFile() *classFile { return &classFile{count: 1} }

func (cf *classFile) utf8(s string) int {
	e := []byte{cpUtf8, 0, 0}
	binary.BigEndian.PutUint16(e[1:], uint16(len(s)))
	cf.entries = append(cf.entries, append(e, s...))
	cf.count++
	return cf.count - 1
}

func (cf *classFile) class(nameIdx int) int {
	e := []byte{cpClass, 0, 0}
	binary.BigEndian.PutUint16(e[1:], uint16(nameIdx))
	cf.entries = append(cf.entries, e)
	cf.count++
	return cf.count - 1
}

func (cf *classFile) long() int {
	e := make([]byte, 9)
	e[0] = cpLong
	cf.entries = append(cf.entries, e)
	cf.count += 2 // takes two slots
	return cf.count - 2
}

func (cf *classFile) bytes() []byte {
	b := binary.BigEndian.AppendUint32(nil, classMagic)
	b = append(b, 0, 0, 0, 52) // minor, major (Java 8)
	b = binary.BigEndian.AppendUint16(b, uint16(cf.count))
	for _, e := range cf.entries {
		b = append(b, e...)
	}
	b = binary.BigEndian.AppendUint16(b, 0x0021) // access_flags
	b = binary.BigEndian.AppendUint16(b, uint16(cf.thisIdx))
	b = binary.BigEndian.AppendUint16(b, 0) // super_class
	return b
}

// buildClass synthesizes bytecode for `name` referencing deps.
func buildClass(name string, deps ...string) []byte {
	cf := newClassFile()
	selfName := cf.utf8(slashed(name))
	cf.thisIdx = cf.class(selfName)
	for _, d := range deps {
		cf.class(cf.utf8(slashed(d)))
	}
	return cf.bytes()
}

func slashed(name string) string {
	out := make([]byte, len(name))
	for i := range len(name) {
		if name[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}

func TestDirectDeps(t *testing.T) {
	code := buildClass("org.example.Probe", "org.example.Helper", "java.lang.Object")
	deps, err := DirectDeps(code)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(deps) == 2, "deps %v", deps)
	tassert.Errorf(t, deps[0] == "org.example.Helper", "dep 0 = %q", deps[0])
	tassert.Errorf(t, deps[1] == "java.lang.Object", "dep 1 = %q", deps[1])
}

func TestDirectDepsSkipsSelfAndArrays(t *testing.T) {
	cf := newClassFile()
	self := cf.class(cf.utf8("org/example/Self"))
	cf.thisIdx = self
	cf.class(cf.utf8("[Ljava/lang/String;")) // array type: no code to ship
	cf.class(cf.utf8("org/example/Real"))
	cf.long() // two-slot entry must not desync the scan
	cf.class(cf.utf8("org/example/AfterLong"))

	deps, err := DirectDeps(cf.bytes())
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(deps) == 2, "deps %v", deps)
	tassert.Errorf(t, deps[0] == "org.example.Real" && deps[1] == "org.example.AfterLong",
		"deps %v", deps)
}

func TestDirectDepsRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{nil, []byte("not a class"), {0xCA, 0xFE, 0xBA}} {
		_, err := DirectDeps(b)
		tassert.Errorf(t, err != nil, "garbage %v scanned successfully", b)
	}
}
