// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ErrClosed: operation attempted on a channel that is closing or
	// closed. Cause is the failure that ended the channel (transport I/O,
	// filter abort, a failed close send); it is nil after the orderly
	// close exchange, whichever side started it.
	ErrClosed struct {
		Channel string
		Cause   error
	}

	// ErrState: channel not available on the calling context.
	ErrState struct {
		What string
	}

	// ErrRemote: the peer executed the operation and threw. Non-portable
	// peer failures arrive with the original class name and stack frames
	// preserved.
	ErrRemote struct {
		Name     string // original error type on the peer
		Msg      string
		Frames   []string
	}

	// ErrClassFiltered: deserialization refused by the class filter.
	ErrClassFiltered struct {
		Class string
	}

	// ErrPipeClosed: read or write on a closed pipe; Cause carries the
	// peer's failure when the close was not orderly.
	ErrPipeClosed struct {
		Cause error
	}

	// ErrInvalidOID: the peer referenced an object this side no longer
	// (or never) exported; History is a snippet of recent unexports.
	ErrInvalidOID struct {
		OID     int32
		History string
	}

	// errTimeout: a call's deadline expired.
	errTimeout struct {
		op string
	}
)

func NewErrClosed(name string, cause error) *ErrClosed {
	return &ErrClosed{Channel: name, Cause: cause}
}

func (e *ErrClosed) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel %q is closed", e.Channel)
	}
	return fmt.Sprintf("channel %q is closed (cause: %v)", e.Channel, e.Cause)
}

func (e *ErrClosed) Unwrap() error { return e.Cause }

func IsErrClosed(err error) bool {
	var ec *ErrClosed
	return errors.As(err, &ec)
}

func (e *ErrState) Error() string { return "no channel available: " + e.What }

func (e *ErrRemote) Error() string {
	s := "remote call failed: " + e.Msg
	if e.Name != "" {
		s += " (" + e.Name + ")"
	}
	if len(e.Frames) > 0 {
		s += "\n\tat " + strings.Join(e.Frames, "\n\tat ")
	}
	return s
}

func (e *ErrClassFiltered) Error() string {
	return fmt.Sprintf("class %q rejected by the class filter", e.Class)
}

func IsErrClassFiltered(err error) bool {
	var ef *ErrClassFiltered
	return errors.As(err, &ef)
}

func (e *ErrPipeClosed) Error() string {
	if e.Cause == nil {
		return "Pipe is already closed"
	}
	return fmt.Sprintf("Pipe is already closed (cause: %v)", e.Cause)
}

func (e *ErrPipeClosed) Unwrap() error { return e.Cause }

func (e *ErrInvalidOID) Error() string {
	if e.History == "" {
		return fmt.Sprintf("invalid OID %d (never exported)", e.OID)
	}
	return fmt.Sprintf("invalid OID %d; recent unexports: %s", e.OID, e.History)
}

func (e *errTimeout) Error() string { return "timed out waiting for " + e.op }

func IsTimeout(err error) bool {
	var et *errTimeout
	return errors.As(err, &et)
}
