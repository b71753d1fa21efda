// Package channel implements the duplex RPC runtime: command framing and
// transport, request/response correlation, the export table, and pipes.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package channel

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// The runtime does not dictate the user payload format: operation bodies
// are opaque bytes. What it does require of any serializer is the
// class-resolution callback: every class identity encountered while
// decoding must be offered to the resolver (which screens it through the
// class filter and may trigger a remote class fetch).

type (
	// ClassResolver is invoked once per class identity during decode;
	// returning an error aborts the decode.
	ClassResolver func(className string) error

	// Serializer encodes/decodes a graph of typed values plus class
	// identity metadata.
	Serializer interface {
		Encode(v any) ([]byte, error)
		Decode(b []byte, resolve ClassResolver) (any, error)
	}

	// MsgpSerializer is the default: plain values map onto the msgp
	// wire types; typed values travel as a 2-element wrapper of
	// (class name, encoded fields) so the resolver sees every identity.
	MsgpSerializer struct{}

	// Typed pairs a class identity with its (already encoded or plain)
	// value.
	Typed struct {
		Class string
		Value any
	}
)

const typedExt = "!type" // wrapper marker key

// Resolver builds the standard resolver for a channel: class-filter
// screening first, then the optional loader hook.
func (ch *Channel) Resolver(fetch func(className string) error) ClassResolver {
	return func(className string) error {
		if ch.filter.Matches(className) {
			return &ErrClassFiltered{Class: className}
		}
		if fetch != nil {
			return fetch(className)
		}
		return nil
	}
}

func (MsgpSerializer) Encode(v any) ([]byte, error) {
	return appendValue(nil, v)
}

func (MsgpSerializer) Decode(b []byte, resolve ClassResolver) (any, error) {
	v, rest, err := readValue(b, resolve)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("serializer: %d trailing bytes", len(rest))
	}
	return v, nil
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch tv := v.(type) {
	case *Typed:
		b = msgp.AppendMapHeader(b, 1)
		b = msgp.AppendString(b, typedExt)
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, tv.Class)
		return appendValue(b, tv.Value)
	case map[string]any:
		b = msgp.AppendMapHeader(b, uint32(len(tv)))
		for k, mv := range tv {
			if k == typedExt {
				return nil, fmt.Errorf("serializer: reserved key %q", typedExt)
			}
			b = msgp.AppendString(b, k)
			var err error
			if b, err = appendValue(b, mv); err != nil {
				return nil, err
			}
		}
		return b, nil
	case []any:
		b = msgp.AppendArrayHeader(b, uint32(len(tv)))
		for _, ev := range tv {
			var err error
			if b, err = appendValue(b, ev); err != nil {
				return nil, err
			}
		}
		return b, nil
	default:
		return msgp.AppendIntf(b, v)
	}
}

func readValue(b []byte, resolve ClassResolver) (any, []byte, error) {
	t := msgp.NextType(b)
	switch t {
	case msgp.MapType:
		n, rest, err := msgp.ReadMapHeaderBytes(b)
		if err != nil {
			return nil, b, err
		}
		if n == 1 {
			// possibly the typed wrapper
			k, r2, err := msgp.ReadStringBytes(rest)
			if err != nil {
				return nil, b, err
			}
			if k == typedExt {
				return readTyped(r2, resolve)
			}
			v, r3, err := readValue(r2, resolve)
			if err != nil {
				return nil, b, err
			}
			return map[string]any{k: v}, r3, nil
		}
		m := make(map[string]any, n)
		for range n {
			k, r2, err := msgp.ReadStringBytes(rest)
			if err != nil {
				return nil, b, err
			}
			var v any
			if v, rest, err = readValue(r2, resolve); err != nil {
				return nil, b, err
			}
			m[k] = v
		}
		return m, rest, nil
	case msgp.ArrayType:
		n, rest, err := msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, b, err
		}
		arr := make([]any, n)
		for i := range arr {
			if arr[i], rest, err = readValue(rest, resolve); err != nil {
				return nil, b, err
			}
		}
		return arr, rest, nil
	default:
		return msgp.ReadIntfBytes(b)
	}
}

func readTyped(b []byte, resolve ClassResolver) (any, []byte, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || n != 2 {
		return nil, b, fmt.Errorf("serializer: malformed typed wrapper (n=%d, %v)", n, err)
	}
	class, rest, err := msgp.ReadStringBytes(rest)
	if err != nil {
		return nil, b, err
	}
	if resolve != nil {
		if rerr := resolve(class); rerr != nil {
			return nil, b, rerr
		}
	}
	v, rest, err := readValue(rest, resolve)
	if err != nil {
		return nil, b, err
	}
	return &Typed{Class: class, Value: v}, rest, nil
}
