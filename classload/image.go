// Package classload resolves classes and resources across the channel:
// proxy loaders keyed by remote-loader OID, dependency prefetch, and the
// content-addressed JAR transfer.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package classload

import (
	"fmt"

	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/tinylib/msgp/msgp"
)

type (
	// JarRef points at a code bundle by content: the checksum addresses
	// the cache, the OID addresses the sender-side loader that can stream
	// the bundle, and Deps list the bundle's dependency checksums.
	JarRef struct {
		Sum  jarcache.Sum
		OID  int32
		Deps []jarcache.Sum
	}

	// Image is the answer to a class lookup: either inline bytecode or a
	// JAR reference (never both).
	Image struct {
		LoaderOID int32
		Name      string
		Code      []byte
		Jar       *JarRef
	}
)

func (im *Image) IsJar() bool { return im.Jar != nil }

func (im *Image) String() string {
	if im.IsJar() {
		return fmt.Sprintf("image[%s in jar %s]", im.Name, im.Jar.Sum)
	}
	return fmt.Sprintf("image[%s, %dB]", im.Name, len(im.Code))
}

//
// wire codec (msgp runtime, same style as the command set)
//

func appendSum(b []byte, s jarcache.Sum) []byte {
	b = msgp.AppendUint64(b, s.Hi)
	return msgp.AppendUint64(b, s.Lo)
}

func readSum(b []byte) (s jarcache.Sum, _ []byte, err error) {
	if s.Hi, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return
	}
	s.Lo, b, err = msgp.ReadUint64Bytes(b)
	return s, b, err
}

func (im *Image) AppendMsg(b []byte) []byte {
	b = msgp.AppendInt32(b, im.LoaderOID)
	b = msgp.AppendString(b, im.Name)
	b = msgp.AppendBool(b, im.IsJar())
	if im.IsJar() {
		b = appendSum(b, im.Jar.Sum)
		b = msgp.AppendInt32(b, im.Jar.OID)
		b = msgp.AppendArrayHeader(b, uint32(len(im.Jar.Deps)))
		for _, d := range im.Jar.Deps {
			b = appendSum(b, d)
		}
		return b
	}
	return msgp.AppendBytes(b, im.Code)
}

func (im *Image) ReadMsg(b []byte) (_ []byte, err error) {
	if im.LoaderOID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	if im.Name, b, err = msgp.ReadStringBytes(b); err != nil {
		return
	}
	var isJar bool
	if isJar, b, err = msgp.ReadBoolBytes(b); err != nil {
		return
	}
	if !isJar {
		im.Code, b, err = msgp.ReadBytesBytes(b, nil)
		return b, err
	}
	jr := &JarRef{}
	if jr.Sum, b, err = readSum(b); err != nil {
		return
	}
	if jr.OID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	jr.Deps = make([]jarcache.Sum, n)
	for i := range jr.Deps {
		if jr.Deps[i], b, err = readSum(b); err != nil {
			return
		}
	}
	im.Jar = jr
	return b, nil
}

// fetchReply bundles the requested image with the prefetched direct
// dependencies.
type fetchReply struct {
	Main     Image
	Prefetch []Image
}

func (fr *fetchReply) AppendMsg(b []byte) []byte {
	b = fr.Main.AppendMsg(b)
	b = msgp.AppendArrayHeader(b, uint32(len(fr.Prefetch)))
	for i := range fr.Prefetch {
		b = fr.Prefetch[i].AppendMsg(b)
	}
	return b
}

func (fr *fetchReply) ReadMsg(b []byte) (_ []byte, err error) {
	if b, err = fr.Main.ReadMsg(b); err != nil {
		return
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	fr.Prefetch = make([]Image, n)
	for i := range fr.Prefetch {
		if b, err = fr.Prefetch[i].ReadMsg(b); err != nil {
			return
		}
	}
	return b, nil
}
