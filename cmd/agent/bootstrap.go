// Package main is the agent launcher: argument parsing, logging bootstrap,
// endpoint discovery, and the reconnect loop around the channel runtime.
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jenkinsci/remoting-sub008/cmn"
	"github.com/jenkinsci/remoting-sub008/cmn/nlog"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

const (
	bootstrapPath    = "/tcp-agent-listener/"
	hdrEndpointPort  = "X-Endpoint-Port"
	bootstrapTimeout = 20 * time.Second
)

// bootstrap probes the endpoint URLs in order and returns the first
// advertised HOST:PORT. The controller answers the probe with the TCP
// port in a response header; the host defaults to the URL's own.
func bootstrap(urls []string, insecure bool) (string, error) {
	noProxy := cmn.ParseNoProxy(os.Getenv("NO_PROXY") + "," + os.Getenv("no_proxy"))
	var lastErr error
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSuffix(raw, "/"))
		if err != nil {
			lastErr = errors.Wrapf(err, "url %s", raw)
			continue
		}
		addr, err := probe(u, insecure, noProxy)
		if err != nil {
			nlog.Warningf("bootstrap %s: %v", raw, err)
			lastErr = err
			continue
		}
		nlog.Infof("bootstrap %s -> %s", raw, addr)
		return addr, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no bootstrap URL worked")
	}
	return "", lastErr
}

func probe(u *url.URL, insecure bool, noProxy *cmn.NoProxyRules) (string, error) {
	client := &fasthttp.Client{
		ReadTimeout:  bootstrapTimeout,
		WriteTimeout: bootstrapTimeout,
	}
	if u.Scheme == "https" {
		client.TLSConfig = &tls.Config{
			InsecureSkipVerify: insecure,
			MinVersion:         tls.VersionTLS12,
		}
	}
	if proxyURL := proxyFor(u, noProxy); proxyURL != "" {
		nlog.Infof("bootstrap via proxy %s", proxyURL)
		client.Dial = func(addr string) (net.Conn, error) {
			return dialThroughProxy(proxyURL, addr)
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(u.String() + bootstrapPath)
	if err := client.DoTimeout(req, resp, bootstrapTimeout); err != nil {
		return "", err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode())
	}
	port := string(resp.Header.Peek(hdrEndpointPort))
	if port == "" {
		// some deployments answer with HOST:PORT in the body instead
		body := strings.TrimSpace(string(resp.Body()))
		if _, _, err := net.SplitHostPort(body); err == nil {
			return body, nil
		}
		return "", errors.New("endpoint advertisement missing")
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// proxyFor honors HTTP(S)_PROXY with the NO_PROXY exclusion rules.
func proxyFor(u *url.URL, noProxy *cmn.NoProxyRules) string {
	if noProxy.Bypass(u.Hostname()) {
		return ""
	}
	if u.Scheme == "https" {
		if p := firstEnv("HTTPS_PROXY", "https_proxy"); p != "" {
			return p
		}
	}
	return firstEnv("HTTP_PROXY", "http_proxy")
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// dialThroughProxy issues a CONNECT through proxyURL toward addr.
func dialThroughProxy(proxyURL, addr string) (net.Conn, error) {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	host := pu.Host
	if pu.Port() == "" {
		host = net.JoinHostPort(pu.Hostname(), "80")
	}
	conn, err := net.DialTimeout("tcp", host, bootstrapTimeout)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	br := make([]byte, 1024)
	n, err := conn.Read(br)
	if err != nil {
		conn.Close()
		return nil, err
	}
	status := string(br[:n])
	if !strings.Contains(status, " 200 ") {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %s", strings.SplitN(status, "\r\n", 2)[0])
	}
	return conn, nil
}
