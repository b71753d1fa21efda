// Package forward implements remote socket forwarding built on channel
// pipes: connections accepted on one side are tunneled to an address
// dialed on the other.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package forward

import (
	"io"
	"net"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/tinylib/msgp/msgp"
	"golang.org/x/sync/errgroup"
)

const opConnect = "fwd.connect"

// RegisterHandler installs the dial-side operation: the peer asks this
// side to connect to addr and wire the conn to a pair of pipes.
func RegisterHandler(ch *channel.Channel) {
	ch.RegisterOp(opConnect, func(body []byte) ([]byte, error) {
		addr, rest, err := msgp.ReadStringBytes(body)
		if err != nil {
			return nil, err
		}
		// OID of the requester's reader - this side writes conn->peer
		toPeerOID, _, err := msgp.ReadInt32Bytes(rest)
		if err != nil {
			return nil, err
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		toPeer := channel.AttachWriter(ch, toPeerOID)
		fromPeer := channel.CreateRemoteToLocal(ch)
		go tunnel(conn, toPeer, fromPeer)
		return msgp.AppendInt32(nil, fromPeer.OID()), nil
	})
}

// tunnel shuttles bytes both ways until both directions have ended.
func tunnel(conn net.Conn, toPeer, fromPeer *channel.Pipe) {
	g := &errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(toPeer, conn)
		if err != nil {
			toPeer.CloseWithError(err)
			return err
		}
		return toPeer.CloseWrite()
	})
	g.Go(func() error {
		_, err := io.Copy(conn, fromPeer)
		conn.Close()
		fromPeer.Close()
		return err
	})
	if err := g.Wait(); err != nil && !cos.IsEOF(err) {
		nlog.Warningf("forward: tunnel ended: %v", err)
	}
}

// PortForwarder listens locally and tunnels every accepted connection to
// remoteAddr as dialed by the peer.
type PortForwarder struct {
	ch         *channel.Channel
	ln         net.Listener
	remoteAddr string
	stopCh     *cos.StopCh
}

func NewPortForwarder(ch *channel.Channel, listenAddr, remoteAddr string) (*PortForwarder, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	pf := &PortForwarder{ch: ch, ln: ln, remoteAddr: remoteAddr, stopCh: cos.NewStopCh()}
	go pf.acceptLoop()
	ch.OnTerminate(func(error) { pf.Close() })
	return pf, nil
}

func (pf *PortForwarder) Addr() net.Addr { return pf.ln.Addr() }

func (pf *PortForwarder) Close() error {
	pf.stopCh.Close()
	return pf.ln.Close()
}

func (pf *PortForwarder) acceptLoop() {
	for {
		conn, err := pf.ln.Accept()
		if err != nil {
			if !pf.stopCh.Stopped() {
				nlog.Warningf("forward %s: accept: %v", pf.remoteAddr, err)
			}
			return
		}
		go pf.serve(conn)
	}
}

func (pf *PortForwarder) serve(conn net.Conn) {
	// the local reader carries the peer's dialed-side bytes back to conn;
	// the peer returns the OID of its own reader, which this side writes
	// conn's bytes into
	fromPeer := channel.CreateRemoteToLocal(pf.ch)
	args := msgp.AppendString(nil, pf.remoteAddr)
	args = msgp.AppendInt32(args, fromPeer.OID())
	body, err := pf.ch.Call(opConnect, args)
	if err != nil {
		nlog.Warningf("forward %s: %v", pf.remoteAddr, err)
		conn.Close()
		fromPeer.Close()
		return
	}
	toPeerOID, _, err := msgp.ReadInt32Bytes(body)
	if err != nil {
		conn.Close()
		fromPeer.Close()
		return
	}
	toPeer := channel.AttachWriter(pf.ch, toPeerOID)
	tunnel(conn, toPeer, fromPeer)
}
