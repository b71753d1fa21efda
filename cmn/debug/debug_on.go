//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, a ...any) {
	nlog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+format, a...))
}

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		glog := "DEBUG PANIC: "
		if len(a) > 0 {
			_die(glog + fmt.Sprint(a...))
		} else {
			_die(glog + "assertion failed")
		}
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		_die("DEBUG PANIC: " + err.Error())
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		_die("DEBUG PANIC: " + fmt.Sprintf(format, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("state")
	Assert(state.Int()&1 == 1, "Mutex not locked")
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	w := reflect.ValueOf(m).Elem().FieldByName("w")
	state := w.FieldByName("state")
	Assert(state.Int()&1 == 1, "RWMutex not locked")
}

func _die(msg string) {
	nlog.ErrorDepth(2, msg)
	nlog.Flush(true)
	fmt.Fprintln(os.Stderr, msg)
	panic(msg)
}
