// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf16"

	jsoniter "github.com/json-iterator/go"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
)

// ConnectionHeaders is a flat map of string to nullable string exchanged
// right after the protocol acknowledgement. The wire form is a strict
// subset of JSON: a single object, no nested objects or arrays, standard
// string escapes including \uXXXX.
type ConnectionHeaders map[string]*string

// well-known header keys
const (
	HdrAgentName = "Agent-Name"
	HdrSecret    = "Secret-Key"
	HdrCookie    = "Cookie"
	HdrVersion   = "Agent-Version"
	HdrRefusal   = "Refusal"
)

// HeadersToString renders m in the strict subset form (keys sorted, so the
// output is deterministic).
func HeadersToString(m ConnectionHeaders) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeJSONString(&sb, k)
		sb.WriteByte(':')
		if v := m[k]; v == nil {
			sb.WriteString("null")
		} else {
			writeJSONString(&sb, *v)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// HeadersFromString parses the strict subset: decoding rejects anything
// that is not a flat object of string to string-or-null.
func HeadersFromString(s string) (ConnectionHeaders, error) {
	var raw map[string]jsoniter.RawMessage
	if err := jsoniter.UnmarshalFromString(s, &raw); err != nil {
		return nil, fmt.Errorf("connection headers: %v", err)
	}
	m := make(ConnectionHeaders, len(raw))
	for k, rv := range raw {
		t := strings.TrimSpace(string(rv))
		if t == "null" {
			m[k] = nil
			continue
		}
		if len(t) == 0 || t[0] != '"' {
			return nil, fmt.Errorf("connection headers: value of %q is not a string or null", k)
		}
		var v string
		if err := jsoniter.UnmarshalFromString(t, &v); err != nil {
			return nil, fmt.Errorf("connection headers: value of %q: %v", k, err)
		}
		m[k] = &v
	}
	return m, nil
}

func writeJSONString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else if r > 0xffff {
				// surrogate pair form keeps the subset ASCII-clean for
				// anything beyond the BMP
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(sb, `\u%04x\u%04x`, hi, lo)
			} else if r > 0x7e {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// HeaderVerifier decides whether to accept the peer given its headers.
// Returning an error refuses the connection; the error text is sent to the
// peer in a rejection header set.
type HeaderVerifier func(peer ConnectionHeaders) error

// HeadersFilter exchanges one flat JSON header object in each direction
// (2-byte-length-prefixed, like the protocol strings). Once the peer's
// headers pass the verifier the filter flushes and completes; a rejection
// sends the refusal headers and closes the stack.
type HeadersFilter struct {
	ctl    *Ctl
	own    ConnectionHeaders
	verify HeaderVerifier
	codec  strCodec

	mu      sync.Mutex
	flushed bool
	sendQ   [][]byte
	peerCh  chan ConnectionHeaders
}

func NewHeadersFilter(own ConnectionHeaders, verify HeaderVerifier) *HeadersFilter {
	return &HeadersFilter{own: own, verify: verify, peerCh: make(chan ConnectionHeaders, 1)}
}

// PeerHeaders returns the channel that receives the peer's headers once
// they pass the verifier. Nothing is sent on it, and it is not closed, when
// the exchange fails or the stack dies.
func (f *HeadersFilter) PeerHeaders() <-chan ConnectionHeaders { return f.peerCh }

func (f *HeadersFilter) Init(ctl *Ctl) {
	f.ctl = ctl
	f.codec.max = maxHandshakeStr
}

func (f *HeadersFilter) Start() error {
	return f.ctl.PassDown(encodeStr(HeadersToString(f.own)))
}

func (f *HeadersFilter) OnRecv(b []byte) error {
	f.codec.feed(b)
	s, ok, err := f.codec.next()
	if err != nil {
		f.ctl.Abort(err)
		return err
	}
	if !ok {
		return nil
	}
	peer, err := HeadersFromString(s)
	if err != nil {
		f.ctl.Abort(err)
		return err
	}
	if r, found := peer[HdrRefusal]; found && r != nil {
		err := &ErrRefusal{Reason: *r}
		f.ctl.Abort(err)
		return err
	}
	if f.verify != nil {
		if verr := f.verify(peer); verr != nil {
			reason := verr.Error()
			rej := ConnectionHeaders{HdrRefusal: &reason}
			_ = f.ctl.PassDown(encodeStr(HeadersToString(rej)))
			nlog.Warningf("headers rejected: %s", reason)
			err := &ErrRefusal{Reason: reason}
			f.ctl.Abort(err)
			return err
		}
	}
	f.peerCh <- peer
	f.mu.Lock()
	q := f.sendQ
	f.sendQ = nil
	f.flushed = true
	ferr := f.ctl.FlushSend(q)
	f.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	rest := f.codec.rest()
	f.ctl.Completed()
	if len(rest) > 0 {
		return f.ctl.FlushRecv([][]byte{rest})
	}
	return nil
}

func (f *HeadersFilter) DoSend(b []byte) error {
	f.mu.Lock()
	if f.flushed {
		f.mu.Unlock()
		return f.ctl.PassDown(b)
	}
	f.sendQ = append(f.sendQ, append([]byte(nil), b...))
	f.mu.Unlock()
	return nil
}

func (f *HeadersFilter) OnRecvClosed(cause error) {
	if cause == nil {
		cause = &ErrRefusal{Reason: "connection closed during header exchange"}
	}
	f.ctl.Abort(cause)
}

func (f *HeadersFilter) DoCloseSend() { f.ctl.PassDownCloseSend() }
