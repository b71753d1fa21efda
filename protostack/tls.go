// Package protostack assembles the layered byte-stream pipeline between a
// network connection and the channel runtime: network layer at the bottom,
// zero or more filters, application layer on top.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package protostack

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn/atomic"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/pkg/errors"
)

// TLSFilter upgrades the stream: plaintext from above is wrapped into TLS
// records flowing down; ciphertext from below is unwrapped and passed up.
// Application sends issued during the handshake are buffered and flushed
// once the handshake completes. The filter stays in the stack for the
// connection lifetime (record-layer processing never ends).
type TLSFilter struct {
	ctl  *Ctl
	conn *tls.Conn

	cipherIn *cos.FifoBuf // ciphertext from below, consumed by the engine

	hsDone  atomic.Bool
	hsMu    sync.Mutex
	hsQueue [][]byte // app data buffered during handshake

	client bool
	cfg    *tls.Config
	wg     sync.WaitGroup
}

const tlsBufSize = 64 * cos.KiB

// NewTLSClientFilter: cfg's trust settings are typically produced by
// PublicKeyMatching or BlindTrust below.
func NewTLSClientFilter(cfg *tls.Config) *TLSFilter {
	return &TLSFilter{client: true, cfg: cfg}
}

func NewTLSServerFilter(cfg *tls.Config) *TLSFilter {
	return &TLSFilter{client: false, cfg: cfg}
}

func (f *TLSFilter) Init(ctl *Ctl) {
	f.ctl = ctl
	f.cipherIn = cos.NewFifoBuf(tlsBufSize)
}

func (f *TLSFilter) Start() error {
	ta := &tlsAdapter{f: f}
	if f.client {
		f.conn = tls.Client(ta, f.cfg)
	} else {
		f.conn = tls.Server(ta, f.cfg)
	}
	f.wg.Add(1)
	go f.engineLoop()
	return nil
}

// engineLoop performs the handshake, flushes the buffered app data, and then
// unwraps inbound records for the rest of the connection.
func (f *TLSFilter) engineLoop() {
	defer f.wg.Done()
	if err := f.conn.Handshake(); err != nil {
		f.ctl.Abort(errors.Wrap(err, "tls handshake"))
		return
	}
	f.hsMu.Lock()
	q := f.hsQueue
	f.hsQueue = nil
	f.hsDone.Store(true)
	f.hsMu.Unlock()
	for _, b := range q {
		if _, err := f.conn.Write(b); err != nil {
			f.ctl.Abort(errors.Wrap(err, "tls flush"))
			return
		}
	}

	buf := make([]byte, tlsBufSize)
	for {
		n, err := f.conn.Read(buf)
		if n > 0 {
			if perr := f.ctl.PassUp(append([]byte(nil), buf[:n]...)); perr != nil {
				f.ctl.Abort(perr)
				return
			}
		}
		if err != nil {
			if cos.IsEOF(err) {
				f.ctl.PassUpClosed(nil)
			} else {
				// fatal TLS error (bad record, alert): tear the stack down
				f.ctl.Abort(errors.Wrap(err, "tls"))
			}
			return
		}
	}
}

func (f *TLSFilter) OnRecv(b []byte) error {
	// ciphertext for the engine; blocking here backpressures the reader
	_, err := f.cipherIn.Write(b)
	return err
}

func (f *TLSFilter) DoSend(b []byte) error {
	if !f.hsDone.Load() {
		f.hsMu.Lock()
		if !f.hsDone.Load() {
			f.hsQueue = append(f.hsQueue, append([]byte(nil), b...))
			f.hsMu.Unlock()
			return nil
		}
		f.hsMu.Unlock()
	}
	_, err := f.conn.Write(b)
	return err
}

func (f *TLSFilter) OnRecvClosed(cause error) {
	f.cipherIn.CloseWithErr(cause)
}

func (f *TLSFilter) DoCloseSend() {
	f.conn.CloseWrite()
	f.ctl.PassDownCloseSend()
}

// tlsAdapter gives crypto/tls a net.Conn view of the filter's position in
// the stack: Read consumes ciphertext queued by OnRecv, Write pushes
// ciphertext down.
type tlsAdapter struct {
	f *TLSFilter
}

func (a *tlsAdapter) Read(p []byte) (int, error)  { return a.f.cipherIn.Read(p) }
func (a *tlsAdapter) Write(p []byte) (int, error) {
	if err := a.f.ctl.PassDown(append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (*tlsAdapter) Close() error                       { return nil }
func (*tlsAdapter) LocalAddr() net.Addr                { return tlsAddr{} }
func (*tlsAdapter) RemoteAddr() net.Addr               { return tlsAddr{} }
func (*tlsAdapter) SetDeadline(time.Time) error        { return nil }
func (*tlsAdapter) SetReadDeadline(time.Time) error    { return nil }
func (*tlsAdapter) SetWriteDeadline(time.Time) error   { return nil }

type tlsAddr struct{}

func (tlsAddr) Network() string { return "stack" }
func (tlsAddr) String() string  { return "tls-filter" }

//
// trust verifiers
//

// PublicKeyMatching trusts only certificate chains whose leaf public key is
// in the trusted set. The set is mutable; keys are DER-encoded
// SubjectPublicKeyInfo blobs.
type PublicKeyMatching struct {
	mu   sync.RWMutex
	keys [][]byte
}

func NewPublicKeyMatching() *PublicKeyMatching { return &PublicKeyMatching{} }

func (v *PublicKeyMatching) Add(cert *x509.Certificate) {
	v.mu.Lock()
	v.keys = append(v.keys, cert.RawSubjectPublicKeyInfo)
	v.mu.Unlock()
}

func (v *PublicKeyMatching) AddKeyDER(spki []byte) {
	v.mu.Lock()
	v.keys = append(v.keys, spki)
	v.mu.Unlock()
}

// TLSConfig returns a client config that delegates all trust to the key set.
func (v *PublicKeyMatching) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true, // chain verification replaced by key pinning
		VerifyPeerCertificate: v.verify,
		MinVersion:            tls.VersionTLS12,
	}
}

func (v *PublicKeyMatching) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("no peer certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return errors.Wrap(err, "parse peer certificate")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, k := range v.keys {
		if bytes.Equal(k, leaf.RawSubjectPublicKeyInfo) {
			return nil
		}
	}
	nlog.Warningf("tls: untrusted public key (subject: %s)", leaf.Subject)
	return errors.New("peer public key is not trusted")
}

// BlindTrust accepts any chain. Only for use when an outer mechanism (e.g.
// a pre-shared secret in the connection headers) establishes trust.
func BlindTrust() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}
