// Package main is the agent launcher: argument parsing, logging bootstrap,
// endpoint discovery, and the reconnect loop around the channel runtime.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jenkinsci/remoting-sub008/channel"
	"github.com/jenkinsci/remoting-sub008/classload"
	"github.com/jenkinsci/remoting-sub008/cmn"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/jenkinsci/remoting-sub008/forward"
	"github.com/jenkinsci/remoting-sub008/hk"
	"github.com/jenkinsci/remoting-sub008/iohub"
	"github.com/jenkinsci/remoting-sub008/jarcache"
	"github.com/jenkinsci/remoting-sub008/protostack"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const dfltProtocol = "remoting-4"

type agentOpts struct {
	urls        []string
	direct      string
	secret      string
	name        string
	protocols   []string
	tunnel      string
	workDir     string
	internalDir string
	jarCache    string
	logConfig   string

	failIfNoWorkDir bool
	noReconnect     bool
	noKeepAlive     bool
	noCertCheck     bool
	certs           []string
}

func main() {
	app := cli.NewApp()
	app.Name = "agent"
	app.Usage = "connect this process to a controller as a remoting agent"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{Name: "url", Usage: "endpoint `URL` to try for bootstrap (repeatable)"},
		cli.StringFlag{Name: "direct", Usage: "skip HTTP bootstrap, go straight to TCP `HOST:PORT`"},
		cli.StringFlag{Name: "secret", Usage: "agent shared secret (`hex` or @file)"},
		cli.StringFlag{Name: "name", Usage: "agent `name`"},
		cli.StringFlag{Name: "protocols", Usage: "comma-separated `list` of handshake protocols"},
		cli.StringFlag{Name: "tunnel", Usage: "override endpoint `HOST:PORT`"},
		cli.StringFlag{Name: "workDir", Usage: "root `dir` for logs and the JAR cache"},
		cli.StringFlag{Name: "internalDir", Usage: "subdirectory `name` under the work dir", Value: "remoting"},
		cli.StringFlag{Name: "jar-cache", Usage: "override JAR cache `dir`"},
		cli.StringFlag{Name: "loggingConfig", Usage: "logging property `file`"},
		cli.BoolFlag{Name: "failIfWorkDirIsMissing", Usage: "refuse to start if the work dir is absent"},
		cli.BoolFlag{Name: "noreconnect", Usage: "exit on disconnect"},
		cli.BoolFlag{Name: "noKeepAlive", Usage: "disable TCP keepalive"},
		cli.BoolFlag{Name: "disableHttpsCertValidation", Usage: "skip TLS verification (unsafe)"},
		cli.StringSliceFlag{Name: "cert", Usage: "extra trusted X.509 `pem` (or @file)"},
	}
	app.Action = run

	args, err := expandArgFiles(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := app.Run(args); err != nil {
		nlog.Errorln(err)
		nlog.Flush(true)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// expandArgFiles replaces each @file argument with the file's lines, one
// argument per line.
func expandArgFiles(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for i, a := range in {
		if i == 0 || !strings.HasPrefix(a, "@") {
			out = append(out, a)
			continue
		}
		b, err := os.ReadFile(a[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "argument file %s", a[1:])
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out, nil
}

func parseOpts(c *cli.Context) (*agentOpts, error) {
	o := &agentOpts{
		urls:            c.StringSlice("url"),
		direct:          c.String("direct"),
		name:            c.String("name"),
		tunnel:          c.String("tunnel"),
		workDir:         c.String("workDir"),
		internalDir:     c.String("internalDir"),
		jarCache:        c.String("jar-cache"),
		logConfig:       c.String("loggingConfig"),
		failIfNoWorkDir: c.Bool("failIfWorkDirIsMissing"),
		noReconnect:     c.Bool("noreconnect"),
		noKeepAlive:     c.Bool("noKeepAlive"),
		noCertCheck:     c.Bool("disableHttpsCertValidation"),
		certs:           c.StringSlice("cert"),
	}
	if p := c.String("protocols"); p != "" {
		o.protocols = strings.Split(p, ",")
	} else {
		o.protocols = []string{dfltProtocol}
	}
	secret := c.String("secret")
	if strings.HasPrefix(secret, "@") {
		b, err := os.ReadFile(secret[1:])
		if err != nil {
			return nil, errors.Wrap(err, "secret file")
		}
		secret = strings.TrimSpace(string(b))
	}
	if secret != "" {
		if _, err := hex.DecodeString(secret); err != nil {
			return nil, errors.New("secret must be hex (or @file)")
		}
	}
	o.secret = secret
	if o.direct == "" && len(o.urls) == 0 {
		return nil, errors.New("either -direct or at least one -url is required")
	}
	return o, nil
}

func run(c *cli.Context) error {
	o, err := parseOpts(c)
	if err != nil {
		return err
	}
	cfg := &cmn.Config{
		Name:        o.name,
		WorkDir:     o.workDir,
		InternalDir: o.internalDir,
		JarCacheDir: o.jarCache,
		KeepAlive:   !o.noKeepAlive,
		Reconnect:   !o.noReconnect,
	}
	if o.failIfNoWorkDir && o.workDir != "" {
		if exists, isDir := cos.Stat(o.workDir); !exists || !isDir {
			return fmt.Errorf("work dir %s is missing", o.workDir)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := nlog.SetLogDir(cfg.LogDir()); err != nil {
		return errors.Wrap(err, "logging")
	}
	if o.logConfig != "" {
		applyLogConfig(o.logConfig)
	}
	cache, err := jarcache.New(cfg.JarCacheDir)
	if err != nil {
		return err
	}
	nlog.Infof("agent %q starting (work dir %s)", cfg.Name, cfg.WorkDir)

	go hk.DefaultHK.Run()
	hub := iohub.New(8)
	defer hub.Shutdown(nil)

	for {
		err := connectOnce(o, cfg, hub, cache)
		if err != nil {
			nlog.Errorf("session ended: %v", err)
		}
		if !cfg.Reconnect {
			nlog.Flush(true)
			return err
		}
		time.Sleep(10 * time.Second)
		nlog.Infoln("reconnecting")
	}
}

// connectOnce runs one full session: endpoint discovery, TCP connect,
// stack assembly, then blocks until the channel dies.
func connectOnce(o *agentOpts, cfg *cmn.Config, hub *iohub.Hub, cache *jarcache.Cache) error {
	addr := o.direct
	if o.tunnel != "" {
		addr = o.tunnel
	}
	if addr == "" {
		var err error
		if addr, err = bootstrap(o.urls, o.noCertCheck); err != nil {
			return err
		}
	}
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := conn.(*net.TCPConn); ok && cfg.KeepAlive {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	headers := protostack.ConnectionHeaders{
		protostack.HdrAgentName: &o.name,
		protostack.HdrVersion:   strptr("4008.v0"),
	}
	if o.secret != "" {
		headers[protostack.HdrSecret] = &o.secret
	}
	filters := []protostack.Filter{
		protostack.NewProtoClientFilter(o.protocols[0]),
		protostack.NewHeadersFilter(headers, nil),
	}
	if tlsCfg := clientTLS(o); tlsCfg != nil {
		filters = append([]protostack.Filter{protostack.NewTLSClientFilter(tlsCfg)}, filters...)
	}
	ch, err := channel.New(addr, hub, conn, channel.Options{Config: cfg, Initiator: true}, filters...)
	if err != nil {
		return err
	}
	// wire the runtime services this side offers
	classload.NewRegistry(ch, cache)
	forward.RegisterHandler(ch)
	ch.RegisterOp("agent.ping", func([]byte) ([]byte, error) { return []byte("pong"), nil })
	ch.SetProperty("agent.name", []byte(o.name))

	<-ch.Closed()
	return ch.CloseCause()
}

func clientTLS(o *agentOpts) *tls.Config {
	if o.noCertCheck {
		return protostack.BlindTrust()
	}
	if len(o.certs) == 0 {
		return nil // plain TCP; trust carried by the secret headers
	}
	pkm := protostack.NewPublicKeyMatching()
	for _, pemArg := range o.certs {
		pemBytes := []byte(pemArg)
		if strings.HasPrefix(pemArg, "@") {
			b, err := os.ReadFile(pemArg[1:])
			if err != nil {
				nlog.Errorf("cert %s: %v", pemArg[1:], err)
				continue
			}
			pemBytes = b
		}
		for _, cert := range parseCerts(pemBytes) {
			pkm.Add(cert)
		}
	}
	return pkm.TLSConfig()
}

func parseCerts(pemBytes []byte) (out []*x509.Certificate) {
	for {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			return
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			out = append(out, cert)
		}
	}
}

// applyLogConfig reads a flat property file; only the rotation keys are
// honored.
func applyLogConfig(fqn string) {
	b, err := os.ReadFile(fqn)
	if err != nil {
		nlog.Warningf("loggingConfig %s: %v", fqn, err)
		return
	}
	for _, line := range strings.Split(string(b), "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "maxFiles":
			fmt.Sscanf(v, "%d", &nlog.MaxFiles)
		case "maxSize":
			fmt.Sscanf(v, "%d", &nlog.MaxSize)
		}
	}
}

func strptr(s string) *string { return &s }
