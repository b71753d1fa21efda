// Package cmn provides common constants, types, and utilities for the
// remoting runtime and its launcher
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cmn

import (
	"net"
	"strings"
)

// NoProxyRules decides which hosts bypass an HTTP(S) proxy. The rule list is
// a comma- or pipe-separated mix of IPv4/IPv6 literals, CIDR blocks, and
// hostname/domain suffixes. Unknown syntax elements are ignored.
//
// Domain matching: a suffix matches itself and any subdomain; "jenkins.io",
// ".jenkins.io", and "*.jenkins.io" are equivalent forms.
type NoProxyRules struct {
	ips     []net.IP
	cidrs   []*net.IPNet
	domains []string // stored without the leading dot/star
}

func ParseNoProxy(spec string) *NoProxyRules {
	r := &NoProxyRules{}
	for _, tok := range strings.FieldsFunc(spec, func(c rune) bool { return c == ',' || c == '|' }) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(tok); err == nil {
			r.cidrs = append(r.cidrs, ipnet)
			continue
		}
		if ip := net.ParseIP(strings.Trim(tok, "[]")); ip != nil {
			r.ips = append(r.ips, ip)
			continue
		}
		d := strings.TrimPrefix(tok, "*")
		d = strings.TrimPrefix(d, ".")
		d = strings.ToLower(d)
		if d != "" && !strings.ContainsAny(d, "*/ ") {
			r.domains = append(r.domains, d)
		}
		// anything else: silently ignored
	}
	return r
}

// Bypass reports whether host (a hostname or an IP literal, optionally
// bracketed) must skip the proxy. Localhost and loopback always bypass.
func (r *NoProxyRules) Bypass(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return true
		}
		for _, own := range r.ips {
			if own.Equal(ip) {
				return true
			}
		}
		for _, ipnet := range r.cidrs {
			if ipnet.Contains(ip) {
				return true
			}
		}
		return false
	}
	for _, d := range r.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
