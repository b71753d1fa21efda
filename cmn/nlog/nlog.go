// Package nlog - remoting logger; provides buffering, timestamping, severity
// tagging, and size-capped rotation
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const (
	maxLineSize = 4 * 1024
	flushPeriod = 10 * time.Second
)

var sevText = [...]string{"INFO", "WARNING", "ERROR"}

var (
	mw       sync.Mutex
	file     *os.File
	fileSize int64
	buf      []byte
	lastFl   time.Time

	logDir   string
	baseName = "remoting.log"

	// rotation policy
	MaxSize  int64 = 10 * 1024 * 1024
	MaxFiles       = 5

	toStderr     bool
	alsoToStderr bool
)

func log(sev severity, depth int, format string, args ...any) {
	var sb []byte
	sb = append(sb, time.Now().Format("15:04:05.000000")...)
	sb = append(sb, ' ')
	sb = append(sb, sevText[sev]...)
	sb = append(sb, ' ')
	if _, fn, ln, ok := runtime.Caller(2 + depth); ok {
		sb = append(sb, filepath.Base(fn)...)
		sb = append(sb, ':')
		sb = strconv.AppendInt(sb, int64(ln), 10)
		sb = append(sb, ' ')
	}
	if format == "" {
		sb = append(sb, fmt.Sprintln(args...)...)
	} else {
		sb = append(sb, fmt.Sprintf(format, args...)...)
		if sb[len(sb)-1] != '\n' {
			sb = append(sb, '\n')
		}
	}
	write(sev, sb)
}

func write(sev severity, line []byte) {
	mw.Lock()
	defer mw.Unlock()
	if toStderr || file == nil || (alsoToStderr && sev >= sevWarn) {
		os.Stderr.Write(line)
		if file == nil {
			return
		}
	}
	buf = append(buf, line...)
	if len(buf) >= maxLineSize || sev >= sevErr || time.Since(lastFl) > flushPeriod {
		flush()
	}
}

// mw must be held
func flush() {
	if file == nil || len(buf) == 0 {
		return
	}
	n, _ := file.Write(buf)
	fileSize += int64(n)
	buf = buf[:0]
	lastFl = time.Now()
	if fileSize >= MaxSize {
		rotate()
	}
}

// mw must be held; keeps at most MaxFiles files:
// remoting.log, remoting.log.1, ... remoting.log.<MaxFiles-1>
func rotate() {
	file.Close()
	file = nil
	fqn := filepath.Join(logDir, baseName)
	os.Remove(fqn + "." + strconv.Itoa(MaxFiles-1))
	for i := MaxFiles - 2; i >= 1; i-- {
		os.Rename(fqn+"."+strconv.Itoa(i), fqn+"."+strconv.Itoa(i+1))
	}
	os.Rename(fqn, fqn+".1")
	fh, err := os.OpenFile(fqn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nlog: cannot reopen", fqn+":", err)
		toStderr = true
		return
	}
	file, fileSize = fh, 0
}
