// Package nlog - remoting logger; provides buffering, timestamping, severity
// tagging, and size-capped rotation
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package nlog

import (
	"flag"
	"os"
	"path/filepath"
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDir (re)opens the log file under dir; prior to this call everything
// goes to stderr.
func SetLogDir(dir string) error {
	mw.Lock()
	defer mw.Unlock()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	fqn := filepath.Join(dir, baseName)
	fh, err := os.OpenFile(fqn, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	if file != nil {
		flush()
		file.Close()
	}
	fi, _ := fh.Stat()
	logDir, file = dir, fh
	fileSize = 0
	if fi != nil {
		fileSize = fi.Size()
	}
	return nil
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func Flush(exit ...bool) {
	mw.Lock()
	flush()
	if len(exit) > 0 && exit[0] && file != nil {
		file.Sync()
	}
	mw.Unlock()
}
